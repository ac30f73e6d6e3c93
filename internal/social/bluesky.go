package social

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/rivo/uniseg"
)

const (
	DefaultHost = "https://bsky.social"

	// Bluesky counts the post limit in grapheme clusters.
	MaxPostGraphemes = 300
	MaxAltGraphemes  = 1000

	collectionPost = "app.bsky.feed.post"
	userAgent      = "skyhack-bot"
)

type BlueskyConfig struct {
	Host       string
	Identifier string
	Password   string

	HTTPTimeout time.Duration
	Logger      *log.Logger
	Now         func() time.Time
}

// Bluesky talks XRPC to a PDS through indigo's client. It logs in lazily on
// first use and once more when the access token has expired.
type Bluesky struct {
	host       string
	identifier string
	password   string
	http       *http.Client
	log        *log.Logger
	now        func() time.Time

	mu   sync.Mutex
	auth *xrpc.AuthInfo
}

func NewBluesky(cfg BlueskyConfig) (*Bluesky, error) {
	if strings.TrimSpace(cfg.Identifier) == "" || cfg.Password == "" {
		return nil, fmt.Errorf("social: missing Bluesky credentials (set BLUESKY_USERNAME and BLUESKY_PASSWORD)")
	}
	host := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if host == "" {
		host = DefaultHost
	}
	if _, err := url.Parse(host); err != nil {
		return nil, fmt.Errorf("social: bad host %q: %w", cfg.Host, err)
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Bluesky{
		host:       host,
		identifier: strings.TrimSpace(cfg.Identifier),
		password:   cfg.Password,
		http:       &http.Client{Timeout: cfg.HTTPTimeout},
		log:        cfg.Logger,
		now:        cfg.Now,
	}, nil
}

// client returns an XRPC client carrying auth, which may be nil.
func (b *Bluesky) client(auth *xrpc.AuthInfo) *xrpc.Client {
	ua := userAgent
	return &xrpc.Client{Client: b.http, Host: b.host, Auth: auth, UserAgent: &ua}
}

// Login creates a fresh session and returns the account's DID and handle.
func (b *Bluesky) Login(ctx context.Context) (Profile, error) {
	out, err := atproto.ServerCreateSession(ctx, b.client(nil), &atproto.ServerCreateSession_Input{
		Identifier: b.identifier,
		Password:   b.password,
	})
	if err != nil {
		return Profile{}, fmt.Errorf("xrpc com.atproto.server.createSession: %w", err)
	}
	auth := &xrpc.AuthInfo{
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
		Handle:     out.Handle,
		Did:        out.Did,
	}
	b.mu.Lock()
	b.auth = auth
	b.mu.Unlock()
	b.printf("logged in as %s did=%s", out.Handle, out.Did)
	return Profile{DID: out.Did, Handle: out.Handle}, nil
}

// Profile fetches the logged-in account's public profile.
func (b *Bluesky) Profile(ctx context.Context) (Profile, error) {
	var p Profile
	err := b.authed(ctx, func(c *xrpc.Client) error {
		out, err := bsky.ActorGetProfile(ctx, c, c.Auth.Did)
		if err != nil {
			return fmt.Errorf("xrpc app.bsky.actor.getProfile: %w", err)
		}
		p = Profile{
			DID:         out.Did,
			Handle:      out.Handle,
			DisplayName: deref(out.DisplayName),
			Followers:   int(derefInt(out.FollowersCount)),
			Follows:     int(derefInt(out.FollowsCount)),
			Posts:       int(derefInt(out.PostsCount)),
		}
		return nil
	})
	return p, err
}

func (b *Bluesky) Post(ctx context.Context, text string, image []byte, altText string) (string, error) {
	text = Truncate(text, MaxPostGraphemes)
	var uri string
	err := b.authed(ctx, func(c *xrpc.Client) error {
		post := &bsky.FeedPost{
			LexiconTypeID: collectionPost,
			Text:          text,
			CreatedAt:     b.now().UTC().Format(time.RFC3339Nano),
		}
		if len(image) > 0 {
			up, err := atproto.RepoUploadBlob(ctx, c, bytes.NewReader(image))
			if err != nil {
				return fmt.Errorf("xrpc com.atproto.repo.uploadBlob: %w", err)
			}
			if up.Blob == nil {
				return fmt.Errorf("xrpc com.atproto.repo.uploadBlob: empty blob ref")
			}
			post.Embed = &bsky.FeedPost_Embed{
				EmbedImages: &bsky.EmbedImages{
					LexiconTypeID: "app.bsky.embed.images",
					Images: []*bsky.EmbedImages_Image{{
						Alt:   Truncate(altText, MaxAltGraphemes),
						Image: up.Blob,
					}},
				},
			}
		}
		out, err := atproto.RepoCreateRecord(ctx, c, &atproto.RepoCreateRecord_Input{
			Repo:       c.Auth.Did,
			Collection: collectionPost,
			Record:     &lexutil.LexiconTypeDecoder{Val: post},
		})
		if err != nil {
			return fmt.Errorf("xrpc com.atproto.repo.createRecord: %w", err)
		}
		uri = out.Uri
		return nil
	})
	if err != nil {
		return "", err
	}
	b.printf("posted uri=%s image_bytes=%d", uri, len(image))
	return uri, nil
}

func (b *Bluesky) RecentPosts(ctx context.Context, limit int) ([]PostSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	var feed *bsky.FeedGetAuthorFeed_Output
	err := b.authed(ctx, func(c *xrpc.Client) error {
		var err error
		feed, err = bsky.FeedGetAuthorFeed(ctx, c, c.Auth.Did, "", "", false, int64(limit))
		if err != nil {
			return fmt.Errorf("xrpc app.bsky.feed.getAuthorFeed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]PostSummary, 0, len(feed.Feed))
	for _, item := range feed.Feed {
		if item == nil || item.Post == nil {
			continue
		}
		p := item.Post
		s := PostSummary{
			URI:     p.Uri,
			CID:     p.Cid,
			Likes:   int(derefInt(p.LikeCount)),
			Replies: int(derefInt(p.ReplyCount)),
			Reposts: int(derefInt(p.RepostCount)),
		}
		if p.Record != nil {
			if rec, ok := p.Record.Val.(*bsky.FeedPost); ok {
				s.Text = rec.Text
				s.CreatedAt, _ = time.Parse(time.RFC3339Nano, rec.CreatedAt)
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// authed runs fn with a logged-in client, logging in first if needed and
// retrying once after an ExpiredToken response.
func (b *Bluesky) authed(ctx context.Context, fn func(*xrpc.Client) error) error {
	b.mu.Lock()
	auth := b.auth
	b.mu.Unlock()
	if auth == nil {
		if _, err := b.Login(ctx); err != nil {
			return err
		}
		b.mu.Lock()
		auth = b.auth
		b.mu.Unlock()
	}
	err := fn(b.client(auth))
	if _, code := xrpcStatus(err); code == "ExpiredToken" {
		b.printf("access token expired, logging in again")
		if _, err := b.Login(ctx); err != nil {
			return err
		}
		b.mu.Lock()
		auth = b.auth
		b.mu.Unlock()
		return fn(b.client(auth))
	}
	return err
}

// xrpcStatus extracts the HTTP status and XRPC error name from err, or zero
// values when err did not come from the PDS.
func xrpcStatus(err error) (int, string) {
	var xe *xrpc.Error
	if !errors.As(err, &xe) {
		return 0, ""
	}
	var body *xrpc.XRPCError
	if errors.As(xe.Wrapped, &body) {
		return xe.StatusCode, body.ErrStr
	}
	return xe.StatusCode, ""
}

func (b *Bluesky) printf(format string, args ...any) {
	if b.log != nil {
		b.log.Printf(format, args...)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}

// Truncate cuts s to at most max grapheme clusters, ending with an ellipsis
// when anything was removed.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if uniseg.GraphemeClusterCount(s) <= max {
		return s
	}
	var b strings.Builder
	g := uniseg.NewGraphemes(s)
	for n := 0; n < max-1 && g.Next(); n++ {
		b.WriteString(g.Str())
	}
	b.WriteString("…")
	return b.String()
}
