package service

import (
	"context"
	"errors"
	"io"

	pb "github.com/jumpstarter-dev/jumpstarter-protocol/go/jumpstarter/v1"
	"golang.org/x/sync/errgroup"
)

func pipe(a pb.RouterService_StreamServer, b pb.RouterService_StreamServer) error {
	for {
		msg, err := a.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		err = b.Send(&pb.StreamResponse{
			Payload: msg.GetPayload(),
		})
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Forward copies frames between two streams in both directions until one of
// them fails or reaches EOF. A pipe blocked in Recv only unblocks once the
// handler returns, so Forward returns as soon as the errgroup context is
// cancelled instead of waiting for both pipes to finish on their own.
func Forward(ctx context.Context, a pb.RouterService_StreamServer, b pb.RouterService_StreamServer) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipe(a, b) })
	g.Go(func() error { return pipe(b, a) })
	go func() {
		_ = g.Wait()
	}()
	<-ctx.Done()
	return g.Wait()
}
