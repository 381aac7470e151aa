package serverdb

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMainBucketNotFound = errors.New("main bucket not found")
	ErrUserBucketNotFound = errors.New("user bucket not found")
	ErrMatchNotFound      = errors.New("match not found")
	ErrEmptyWinner        = errors.New("match result without a winner")
)

// MatchResultRecord is a finished match as stored on disk.
type MatchResultRecord struct {
	ID          uint64    `json:"id"`
	RoomID      string    `json:"room_id"`
	WinnerID    string    `json:"winner_id"`
	LoserID     string    `json:"loser_id"`
	WinnerScore int       `json:"winner_score"`
	LoserScore  int       `json:"loser_score"`
	MatchType   string    `json:"match_type"`
	Walkover    bool      `json:"walkover"`
	FinishedAt  time.Time `json:"finished_at"`
	CreatedAt   time.Time `json:"created_at"`
}

type ServerDB interface {
	// RecordMatchResult stores rec and returns the id assigned to it.
	RecordMatchResult(ctx context.Context, rec *MatchResultRecord) (uint64, error)
	FetchMatchResult(ctx context.Context, id uint64) (*MatchResultRecord, error)
	// FetchResultsByUser returns the matches userID played in, oldest first.
	FetchResultsByUser(ctx context.Context, userID string) ([]*MatchResultRecord, error)
	Close() error
}
