// Command replay re-applies a recorded run's actions to the built-in dungeon
// and checks every logged screen digest. Resets the server made to recover
// from a failed engine call are reproduced from the log.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"skyhack.ai/internal/config"
	"skyhack.ai/internal/game/action"
	"skyhack.ai/internal/game/dungeon"
	"skyhack.ai/internal/game/session"
	persistlog "skyhack.ai/internal/persistence/log"
)

func main() {
	var (
		dataDir    = flag.String("data", "./data", "runtime data directory containing turns/")
		configPath = flag.String("config", "./configs/server.yaml", "server config (dungeon settings must match the recorded run)")
		fromTurn   = flag.Uint64("from_turn", 0, "start verifying digests from this turn (inclusive, optional)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.Game.Engine != "dungeon" {
		fmt.Fprintln(os.Stderr, "replay only supports the built-in dungeon engine")
		os.Exit(2)
	}

	files, err := persistlog.TurnLogFiles(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list turn logs:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no turn logs found in", *dataDir)
		os.Exit(1)
	}

	var entries []persistlog.TurnEntry
	for _, path := range files {
		err := persistlog.ReadTurns(path, func(e persistlog.TurnEntry) error {
			entries = append(entries, e)
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
	}

	runs := splitRuns(entries)
	var checked uint64
	for i, run := range runs {
		n, err := replayRun(cfg.Game, run, *fromTurn)
		checked += n
		if err != nil {
			fmt.Fprintf(os.Stderr, "replay run %d (seed=%d): %v\n", i+1, run[0].Seed, err)
			os.Exit(1)
		}
	}
	fmt.Printf("replay ok: runs=%d entries=%d checked=%d\n", len(runs), len(entries), checked)
}

// splitRuns cuts the log into server runs. Every run counts turns from 1, so
// a turn number seen twice marks a restart. Within a run, entries may have
// been written slightly out of order and are sorted by turn.
func splitRuns(entries []persistlog.TurnEntry) [][]persistlog.TurnEntry {
	var (
		runs [][]persistlog.TurnEntry
		cur  []persistlog.TurnEntry
		seen = map[uint64]bool{}
	)
	for _, e := range entries {
		if seen[e.Turn] {
			runs = append(runs, cur)
			cur = nil
			seen = map[uint64]bool{}
		}
		seen[e.Turn] = true
		cur = append(cur, e)
	}
	if len(cur) > 0 {
		runs = append(runs, cur)
	}
	for _, r := range runs {
		sort.Slice(r, func(i, j int) bool { return r[i].Turn < r[j].Turn })
	}
	return runs
}

// replayRun applies one run's actions to a fresh dungeon built from the
// logged seed and checks every screen digest from fromTurn on.
func replayRun(g config.Game, run []persistlog.TurnEntry, fromTurn uint64) (uint64, error) {
	d := dungeon.New(dungeon.Config{
		Seed:      run[0].Seed,
		Levels:    g.Levels,
		MaxHunger: g.MaxHunger,
		GoldPiles: g.GoldPiles,
		HeroName:  g.HeroName,
	})
	holder, err := session.New(d, session.Options{})
	if err != nil {
		return 0, err
	}

	var checked uint64
	for i, e := range run {
		if e.Turn != uint64(i+1) {
			return checked, fmt.Errorf("turn gap: want=%d got=%d", i+1, e.Turn)
		}
		act, ok := action.Parse(e.Action)
		if !ok {
			return checked, fmt.Errorf("turn %d: unknown action %q", e.Turn, e.Action)
		}
		var (
			step   session.StepResult
			digest string
		)
		err := holder.WithExclusiveAccess(func(acc *session.Access) error {
			// A logged reset on a live episode was the server recovering from a
			// failed engine call; the replay engine never fails, so force it.
			if e.Reset && !acc.Current().Terminal {
				acc.Invalidate()
			}
			var err error
			step, err = acc.Advance(act)
			if err != nil {
				return err
			}
			digest = acc.Current().LastScreen.Digest()
			return nil
		})
		if err != nil {
			return checked, fmt.Errorf("turn %d: %w", e.Turn, err)
		}
		if step.Reset != e.Reset || step.Episode != e.Episode {
			return checked, fmt.Errorf("turn %d: episode mismatch: got=%d reset=%v want=%d reset=%v", e.Turn, step.Episode, step.Reset, e.Episode, e.Reset)
		}
		if e.ResetReason != "" && step.ResetReason != e.ResetReason {
			return checked, fmt.Errorf("turn %d: reset reason mismatch: got=%s want=%s", e.Turn, step.ResetReason, e.ResetReason)
		}
		if e.Turn < fromTurn {
			continue
		}
		checked++
		if digest != e.Digest {
			return checked, fmt.Errorf("digest mismatch at turn %d (%s): got=%s want=%s", e.Turn, e.Command, digest, e.Digest)
		}
	}
	return checked, nil
}
