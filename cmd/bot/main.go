package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"skyhack.ai/internal/config"
	"skyhack.ai/internal/protocol"
	"skyhack.ai/internal/social"
)

func main() {
	var (
		serverURL = flag.String("server", "", "server base url (default SKYHACK_SERVER_URL)")
		commands  = flag.String("commands", "wait", "comma-separated commands to play")
		script    = flag.String("script", "", "file with one command per line (overrides -commands)")
		post      = flag.Bool("post", false, "post each resulting frame to Bluesky")
		recent    = flag.Int("recent", 0, "list this many recent Bluesky posts and exit")
		watch     = flag.Bool("watch", false, "print frames from the observer stream until interrupted")
		load      = flag.Int("load", 0, "send the command list this many times concurrently and report throughput")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Fatalf("%v", err)
	}
	cfg, err := config.LoadBot()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var poster social.Poster
	if *post || *recent > 0 {
		bs, err := social.NewBluesky(social.BlueskyConfig{
			Host:       cfg.BlueskyHost,
			Identifier: cfg.BlueskyUsername,
			Password:   cfg.BlueskyPassword,
			Logger:     logger,
		})
		if err != nil {
			logger.Fatalf("%v", err)
		}
		prof, err := bs.Profile(ctx)
		if err != nil {
			logger.Fatalf("bluesky login: %v", err)
		}
		logger.Printf("logged in as %s (@%s) followers=%d following=%d", prof.DisplayName, prof.Handle, prof.Followers, prof.Follows)
		poster = bs
	}

	switch {
	case *recent > 0:
		if err := listRecent(ctx, poster, *recent); err != nil {
			logger.Fatalf("recent posts: %v", err)
		}
	case *watch:
		if err := watchFrames(ctx, cfg.ServerURL, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatalf("watch: %v", err)
		}
	default:
		cmds, err := loadCommands(*commands, *script)
		if err != nil {
			logger.Fatalf("commands: %v", err)
		}
		api := newAPIClient(cfg.ServerURL)
		if *load > 0 {
			if err := runLoad(ctx, api, cmds, *load, logger); err != nil {
				logger.Fatalf("load: %v", err)
			}
			return
		}
		if err := play(ctx, api, poster, cmds, cfg.PostInterval, logger); err != nil {
			logger.Fatalf("play: %v", err)
		}
	}
}

func loadCommands(list, path string) ([]string, error) {
	var out []string
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			out = append(out, line)
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	} else {
		for _, c := range strings.Split(list, ",") {
			if c = strings.TrimSpace(c); c != "" {
				out = append(out, c)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no commands")
	}
	return out, nil
}

// play sends each command in order. Unrecognized commands are logged and
// skipped; any other failure stops the run.
func play(ctx context.Context, api *apiClient, poster social.Poster, cmds []string, interval time.Duration, logger *log.Logger) error {
	for i, c := range cmds {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		res, err := api.Command(ctx, c)
		var ce *commandError
		if errors.As(err, &ce) && ce.Body.Code == protocol.ErrUnrecognizedCommand {
			logger.Printf("skip %q: %s", c, ce.Body.Message)
			continue
		}
		if err != nil {
			return fmt.Errorf("command %q: %w", c, err)
		}
		logger.Printf("turn=%d episode=%d action=%s reward=%g done=%v", res.Turn, res.Episode, res.Action, res.Reward, res.Done)
		fmt.Println(res.Screen)

		if poster == nil {
			continue
		}
		img, err := responsePNG(res)
		if err != nil {
			return fmt.Errorf("decode image: %w", err)
		}
		uri, err := poster.Post(ctx, postText(res), img, res.Screen)
		if err != nil {
			return fmt.Errorf("post turn %d: %w", res.Turn, err)
		}
		logger.Printf("posted turn=%d uri=%s", res.Turn, uri)
	}
	return nil
}

func postText(r protocol.CommandResponse) string {
	s := fmt.Sprintf("Turn %d (episode %d): %s", r.Turn, r.Episode, strings.TrimPrefix(r.Message, "Received command: "))
	if r.NewEpisode {
		s += "\nA new game begins."
	}
	if r.Done {
		s += "\nThe game is over."
	}
	return s
}

func listRecent(ctx context.Context, poster social.Poster, n int) error {
	posts, err := poster.RecentPosts(ctx, n)
	if err != nil {
		return err
	}
	fmt.Printf("Recent posts (%d):\n", len(posts))
	for i, p := range posts {
		fmt.Printf("%d. [%s] %s (%d likes, %d replies, %d reposts)\n",
			i+1, p.CreatedAt.Format(time.RFC3339), social.Truncate(p.Text, 50), p.Likes, p.Replies, p.Reposts)
	}
	return nil
}

// runLoad replays cmds from workers goroutines at once. The server applies
// them one at a time, so the final turn grows by exactly the number of
// successful requests.
func runLoad(ctx context.Context, api *apiClient, cmds []string, workers int, logger *log.Logger) error {
	var ok, rejected atomic.Int64
	var lastTurn atomic.Uint64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for _, c := range cmds {
				res, err := api.Command(gctx, c)
				var ce *commandError
				if errors.As(err, &ce) && ce.Status < 500 {
					rejected.Add(1)
					continue
				}
				if err != nil {
					return err
				}
				ok.Add(1)
				for {
					cur := lastTurn.Load()
					if res.Turn <= cur || lastTurn.CompareAndSwap(cur, res.Turn) {
						break
					}
				}
			}
			return nil
		})
	}
	err := g.Wait()
	elapsed := time.Since(start)
	logger.Printf("load workers=%d ok=%d rejected=%d last_turn=%d elapsed=%s rate=%.1f/s",
		workers, ok.Load(), rejected.Load(), lastTurn.Load(), elapsed.Round(time.Millisecond), float64(ok.Load())/elapsed.Seconds())
	return err
}

func watchFrames(ctx context.Context, serverURL string, logger *log.Logger) error {
	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(serverURL, "/"), "http") + "/api/observe"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeHello:
			var h protocol.HelloMsg
			if err := json.Unmarshal(msg, &h); err == nil {
				logger.Printf("HELLO turn=%d episode=%d", h.Turn, h.Episode)
			}
		case protocol.TypeFrame:
			var f protocol.FrameMsg
			if err := json.Unmarshal(msg, &f); err != nil {
				continue
			}
			logger.Printf("FRAME turn=%d episode=%d command=%q action=%s done=%v", f.Turn, f.Episode, f.Command, f.Action, f.Done)
			fmt.Println(f.Screen)
		}
	}
}
