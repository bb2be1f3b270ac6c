package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"recordable/server/internal/score"
	"recordable/server/internal/storage"
	"recordable/server/internal/volume"
)

// Dial opens a plaintext client connection, attaching secret to every call when set.
func Dial(addr, secret string) (*grpc.ClientConn, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("grpc address is required")
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	if secret = strings.TrimSpace(secret); secret != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(SharedSecretCredentials(secret)))
	}
	return grpc.NewClient(addr, opts...)
}

// Client calls the score service over an established connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// GetScore downloads the encoded score id, asking the server to compress it with
// encoding. The payload is decompressed before it is returned.
func (c *Client) GetScore(ctx context.Context, id score.ID, encoding string) ([]byte, error) {
	if encoding != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, EncodingMetadataKey, encoding)
	}
	var header metadata.MD
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, getScoreMethod, wrapperspb.String(id.String()), out, grpc.Header(&header)); err != nil {
		return nil, err
	}
	used := ""
	if values := header.Get(EncodingMetadataKey); len(values) > 0 {
		used = values[0]
	}
	compressor, err := storage.CompressorByName(used)
	if err != nil {
		return nil, err
	}
	return compressor.Decompress(out.GetValue())
}

// GetTickVolumes fetches the loudness profile of id.
func (c *Client) GetTickVolumes(ctx context.Context, id score.ID) ([]volume.TickVolume, error) {
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(ctx, getTickVolumesMethod, wrapperspb.String(id.String()), out); err != nil {
		return nil, err
	}
	entries := make([]volume.TickVolume, 0, len(out.GetValues()))
	for _, value := range out.GetValues() {
		entry, _ := decodeTick(value.GetStructValue())
		entries = append(entries, entry)
	}
	return entries, nil
}

// StreamVolumes replays the loudness profile of id, calling visit for every tick that
// carries sounds until the server reports the end of the score.
func (c *Client) StreamVolumes(ctx context.Context, id score.ID, visit func(volume.TickVolume) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], streamVolumesMethod)
	if err != nil {
		return err
	}
	typed := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: stream}
	//1.- io.EOF on send means the server already ended the stream; Recv carries the status.
	if err := typed.Send(wrapperspb.String(id.String())); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if err := typed.CloseSend(); err != nil {
		return err
	}
	for {
		frame, err := typed.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		entry, done := decodeTick(frame)
		if done {
			continue
		}
		if err := visit(entry); err != nil {
			return fmt.Errorf("visit tick %d: %w", entry.Tick, err)
		}
	}
}

func decodeTick(frame *structpb.Struct) (volume.TickVolume, bool) {
	fields := frame.GetFields()
	entry := volume.TickVolume{
		Tick:   int(fields["tick"].GetNumberValue()),
		Volume: float32(fields["volume"].GetNumberValue()),
	}
	return entry, fields["done"].GetBoolValue()
}
