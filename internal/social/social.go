// Package social publishes rendered game frames to a social feed and reads
// back how they were received.
package social

import (
	"context"
	"time"
)

// Poster is what the bot needs from a social network.
type Poster interface {
	// Post publishes text, with image attached when it is non-empty, and
	// returns the new post's URI.
	Post(ctx context.Context, text string, image []byte, altText string) (string, error)
	RecentPosts(ctx context.Context, limit int) ([]PostSummary, error)
}

type PostSummary struct {
	URI       string    `json:"uri"`
	CID       string    `json:"cid"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Likes     int       `json:"likes"`
	Replies   int       `json:"replies"`
	Reposts   int       `json:"reposts"`
}

type Profile struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Followers   int    `json:"followersCount"`
	Follows     int    `json:"followsCount"`
	Posts       int    `json:"postsCount"`
}
