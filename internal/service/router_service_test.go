package service

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	pb "github.com/jumpstarter-dev/jumpstarter-protocol/go/jumpstarter/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type fakeRouterStream struct {
	grpc.ServerStream
	ctx  context.Context
	recv chan *pb.StreamRequest
	sent chan *pb.StreamResponse
}

func newFakeRouterStream(ctx context.Context) *fakeRouterStream {
	return &fakeRouterStream{
		ctx:  ctx,
		recv: make(chan *pb.StreamRequest),
		sent: make(chan *pb.StreamResponse, 16),
	}
}

func (f *fakeRouterStream) Context() context.Context {
	return f.ctx
}

func (f *fakeRouterStream) Send(msg *pb.StreamResponse) error {
	f.sent <- msg
	return nil
}

func (f *fakeRouterStream) Recv() (*pb.StreamRequest, error) {
	msg, ok := <-f.recv
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func streamContextWithToken(t *testing.T, key []byte, stream string) context.Context {
	t.Helper()
	token, err := MintStreamToken(key, stream)
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	return metadata.NewIncomingContext(
		context.Background(),
		metadata.Pairs("authorization", "Bearer "+token),
	)
}

func TestStreamRejectsInvalidToken(t *testing.T) {
	svc := &RouterService{StreamKey: StreamKeyFromSeed([]byte("seed"))}

	ctx := metadata.NewIncomingContext(
		context.Background(),
		metadata.Pairs("authorization", "Bearer garbage"),
	)

	err := svc.Stream(newFakeRouterStream(ctx))
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestStreamRejectsForeignToken(t *testing.T) {
	svc := &RouterService{StreamKey: StreamKeyFromSeed([]byte("seed"))}

	ctx := streamContextWithToken(t, StreamKeyFromSeed([]byte("other")), "stream-1")

	err := svc.Stream(newFakeRouterStream(ctx))
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestStreamRejectsExpiredToken(t *testing.T) {
	key := StreamKeyFromSeed([]byte("seed"))
	svc := &RouterService{StreamKey: key}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    streamTokenIssuer,
		Subject:   "stream-1",
		Audience:  jwt.ClaimStrings{streamTokenAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-3 * time.Minute)),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-3 * time.Minute)),
	}).SignedString(key)
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}

	ctx := metadata.NewIncomingContext(
		context.Background(),
		metadata.Pairs("authorization", "Bearer "+token),
	)

	err = svc.Stream(newFakeRouterStream(ctx))
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
	if _, ok := svc.pending.Load("stream-1"); ok {
		t.Error("expired stream must not be parked for pairing")
	}
}

func TestStreamPairsAndForwards(t *testing.T) {
	key := StreamKeyFromSeed([]byte("seed"))
	svc := &RouterService{StreamKey: key}

	exporter := newFakeRouterStream(streamContextWithToken(t, key, "stream-1"))
	jclient := newFakeRouterStream(streamContextWithToken(t, key, "stream-1"))

	exporterDone := make(chan error, 1)
	go func() { exporterDone <- svc.Stream(exporter) }()

	// wait for the first arrival to park in the pending map
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := svc.pending.Load("stream-1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first arrival never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	clientDone := make(chan error, 1)
	go func() { clientDone <- svc.Stream(jclient) }()

	jclient.recv <- &pb.StreamRequest{Payload: []byte("ping")}
	select {
	case msg := <-exporter.sent:
		if string(msg.GetPayload()) != "ping" {
			t.Errorf("expected ping, got %q", msg.GetPayload())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame was not forwarded to the exporter")
	}

	exporter.recv <- &pb.StreamRequest{Payload: []byte("pong")}
	select {
	case msg := <-jclient.sent:
		if string(msg.GetPayload()) != "pong" {
			t.Errorf("expected pong, got %q", msg.GetPayload())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame was not forwarded to the client")
	}

	// the pairing is one-time: the entry is gone while forwarding
	if _, ok := svc.pending.Load("stream-1"); ok {
		t.Error("pending entry should be consumed by the second arrival")
	}

	close(jclient.recv)
	close(exporter.recv)

	for _, done := range []chan error{clientDone, exporterDone} {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("stream returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("stream did not terminate")
		}
	}
}
