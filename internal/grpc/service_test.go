package grpc

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"recordable/server/internal/score"
	"recordable/server/internal/storage"
	"recordable/server/internal/volume"
)

const testSecret = "bufconn-secret"

type fixture struct {
	store  *storage.MemoryStore
	id     score.ID
	data   []byte
	client *Client
	conn   *grpc.ClientConn
	lis    *bufconn.Listener
}

// closedTicker fires immediately on every receive so streams replay without waiting.
func closedTicker(time.Duration) (<-chan time.Time, func()) {
	ch := make(chan time.Time)
	close(ch)
	return ch, func() {}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	data, err := score.Encode(&score.Score{
		FinalTick: 5,
		Groups: []score.ScheduledSoundGroup{
			{Tick: 0, Sounds: []score.PartialSoundInstance{{SoundID: 1, Volume: 0.5, Pitch: 1}}},
			{Tick: 3, Sounds: []score.PartialSoundInstance{{SoundID: 2, Volume: 0.25, Pitch: 1}, {SoundID: 3, Volume: 0.75, Pitch: 1}}},
		},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	id, err := store.StoreScore(context.Background(), data)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(SharedSecretUnaryInterceptor(testSecret)),
		grpc.ChainStreamInterceptor(SharedSecretStreamInterceptor(testSecret)),
	)
	RegisterScoreServer(server, NewService(store, volume.NewCache(store), WithTickerFactory(closedTicker)))
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn := dialBufconn(t, lis, grpc.WithPerRPCCredentials(SharedSecretCredentials(testSecret)))
	return &fixture{store: store, id: id, data: data, client: NewClient(conn), conn: conn, lis: lis}
}

func dialBufconn(t *testing.T, lis *bufconn.Listener, extra ...grpc.DialOption) *grpc.ClientConn {
	t.Helper()
	opts := append([]grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, extra...)
	conn, err := grpc.NewClient("passthrough:///bufnet", opts...)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGetScoreHonoursEncoding(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, encoding := range []string{"", "gzip", "snappy", "zstd"} {
		data, err := f.client.GetScore(ctx, f.id, encoding)
		if err != nil {
			t.Fatalf("get score (%q): %v", encoding, err)
		}
		if !bytes.Equal(data, f.data) {
			t.Fatalf("payload mismatch for encoding %q", encoding)
		}
	}
}

func TestGetScoreErrors(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := f.client.GetScore(ctx, score.NewID(), ""); status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.client.GetScore(ctx, "not-a-uuid", ""); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := f.client.GetScore(ctx, f.id, "lz4"); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument for unknown codec, got %v", err)
	}
}

func TestGetTickVolumes(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entries, err := f.client.GetTickVolumes(ctx, f.id)
	if err != nil {
		t.Fatalf("get volumes: %v", err)
	}
	want := []volume.TickVolume{{Tick: 0, Volume: 0.5}, {Tick: 3, Volume: 0.75}}
	if len(entries) != len(want) {
		t.Fatalf("unexpected entries %+v", entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("entry %d: got %+v want %+v", i, entries[i], want[i])
		}
	}

	broken, err := f.store.StoreScore(ctx, []byte{0, 0, 1})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := f.client.GetTickVolumes(ctx, broken); status.Code(err) != codes.DataLoss {
		t.Fatalf("expected data loss for malformed score, got %v", err)
	}
}

func TestStreamVolumesReplaysProfile(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []volume.TickVolume
	err := f.client.StreamVolumes(ctx, f.id, func(entry volume.TickVolume) error {
		got = append(got, entry)
		return nil
	})
	if err != nil {
		t.Fatalf("stream volumes: %v", err)
	}
	if len(got) != 2 || got[0].Tick != 0 || got[1].Tick != 3 || got[1].Volume != 0.75 {
		t.Fatalf("unexpected stream %+v", got)
	}
}

func TestCallsWithoutSecretAreRejected(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	anonymous := NewClient(dialBufconn(t, f.lis))
	if _, err := anonymous.GetScore(ctx, f.id, ""); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated unary call, got %v", err)
	}
	err := anonymous.StreamVolumes(ctx, f.id, func(volume.TickVolume) error { return nil })
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated stream, got %v", err)
	}
}

func TestExtractSharedSecret(t *testing.T) {
	if got := extractSharedSecret(metadata.Pairs("authorization", "Bearer abc")); got != "abc" {
		t.Fatalf("expected bearer token, got %q", got)
	}
	if got := extractSharedSecret(metadata.Pairs(SharedSecretMetadataKey, " xyz ")); got != "xyz" {
		t.Fatalf("expected metadata secret, got %q", got)
	}
	if got := extractSharedSecret(nil); got != "" {
		t.Fatalf("expected empty secret, got %q", got)
	}
}

func TestCheckSharedSecretWithoutConfiguration(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(SharedSecretMetadataKey, "abc"))
	if status.Code(checkSharedSecret(ctx, "")) != codes.Unauthenticated {
		t.Fatal("expected unauthenticated when no secret is configured")
	}
	if err := checkSharedSecret(ctx, "abc"); err != nil {
		t.Fatalf("expected matching secret to pass, got %v", err)
	}
}
