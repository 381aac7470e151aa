package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decred/slog"
	"github.com/vctt94/pongarena/ponggame"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	createRoomMethod = "/pongarena.RoomDirectory/CreateRoom"
	namerTimeout     = 5 * time.Second
)

// GRPCRoomNamer asks a room directory service for unique room names. The
// request carries the room capacity and the reply the name.
type GRPCRoomNamer struct {
	conn *grpc.ClientConn
	log  slog.Logger
}

var _ ponggame.RoomNamer = (*GRPCRoomNamer)(nil)

// NewGRPCRoomNamer connects to the directory at target. Extra options are
// appended to the defaults.
func NewGRPCRoomNamer(target string, log slog.Logger, opts ...grpc.DialOption) (*GRPCRoomNamer, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to room namer %s: %w", target, err)
	}
	return &GRPCRoomNamer{conn: conn, log: log}, nil
}

func (n *GRPCRoomNamer) CreateRoom(ctx context.Context, capacity int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, namerTimeout)
	defer cancel()

	var reply wrapperspb.StringValue
	err := n.conn.Invoke(ctx, createRoomMethod, wrapperspb.Int32(int32(capacity)), &reply)
	if err != nil {
		switch status.Code(err) {
		case codes.InvalidArgument:
			return "", fmt.Errorf("%w: %s", ponggame.ErrInvalidCapacity, status.Convert(err).Message())
		case codes.DeadlineExceeded, codes.Canceled:
			return "", fmt.Errorf("room namer timed out: %w", err)
		default:
			n.log.Warnf("Room namer call failed (%s): %v", status.Code(err), err)
			return "", fmt.Errorf("room namer: %w", err)
		}
	}
	if reply.GetValue() == "" {
		return "", errors.New("room namer returned an empty name")
	}
	return reply.GetValue(), nil
}

func (n *GRPCRoomNamer) Close() error {
	return n.conn.Close()
}
