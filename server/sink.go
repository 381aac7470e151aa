package server

import (
	"context"

	"github.com/decred/slog"
	"github.com/vctt94/pongarena/ponggame"
	"github.com/vctt94/pongarena/server/serverdb"
)

// resultSink stores finished matches in the server db.
type resultSink struct {
	db  serverdb.ServerDB
	log slog.Logger
}

func (s *resultSink) RecordMatchResult(ctx context.Context, rec ponggame.MatchRecord) error {
	id, err := s.db.RecordMatchResult(ctx, &serverdb.MatchResultRecord{
		RoomID:      rec.RoomID,
		WinnerID:    rec.WinnerID,
		LoserID:     rec.LoserID,
		WinnerScore: rec.WinnerScore,
		LoserScore:  rec.LoserScore,
		MatchType:   string(rec.MatchType),
		Walkover:    rec.Walkover,
		FinishedAt:  rec.FinishedAt,
	})
	if err != nil {
		return err
	}
	s.log.Infof("Stored %s match %d from room %s: %s beat %s %d-%d",
		rec.MatchType, id, rec.RoomID, rec.WinnerID, rec.LoserID, rec.WinnerScore, rec.LoserScore)
	return nil
}
