package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"recordable/server/internal/score"
	"recordable/server/internal/storage"
	"recordable/server/internal/volume"
)

// EncodingMetadataKey selects the compression applied to GetScore payloads. The server
// echoes the codec it used in the response header under the same key.
const EncodingMetadataKey = "x-score-encoding"

const defaultStreamRateHz = 20

// ProfileSource resolves memoised volume profiles.
type ProfileSource interface {
	Get(ctx context.Context, id score.ID) (*volume.Profile, error)
}

// Option customises the behaviour of the score service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithTickerFactory overrides the throttling ticker factory (used in tests).
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithStreamRate sets how many ticks per second StreamVolumes replays.
func WithStreamRate(hz float64) Option {
	return func(s *Service) {
		if hz > 0 {
			s.interval = time.Duration(float64(time.Second) / hz)
		}
	}
}

// Service implements ScoreServer on top of the score store and the volume cache.
type Service struct {
	store     storage.Store
	profiles  ProfileSource
	newTicker tickerFactory
	interval  time.Duration
}

// NewService wires the gRPC service to storage and optional settings.
func NewService(store storage.Store, profiles ProfileSource, opts ...Option) *Service {
	service := &Service{
		store:     store,
		profiles:  profiles,
		newTicker: defaultTickerFactory,
		interval:  time.Second / defaultStreamRateHz,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// GetScore returns the encoded bytes of a stored score, compressed with the codec the
// caller asked for.
func (s *Service) GetScore(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.store == nil {
		return nil, status.Error(codes.FailedPrecondition, "score storage unavailable")
	}
	id, err := score.ParseID(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	//1.- Resolve the codec before touching storage so bad requests stay cheap.
	compressor, err := storage.CompressorByName(requestedEncoding(ctx))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	data, err := storage.Load(ctx, s.store, id)
	if err != nil {
		return nil, statusFromError(err)
	}
	payload, err := compressor.Compress(data)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "compress score: %v", err)
	}
	//2.- Advertise the codec so clients can reverse it without guessing.
	if err := grpc.SetHeader(ctx, metadata.Pairs(EncodingMetadataKey, compressor.Name())); err != nil {
		return nil, status.Errorf(codes.Internal, "set header: %v", err)
	}
	return wrapperspb.Bytes(payload), nil
}

// GetTickVolumes returns the loudness profile of a stored score as a list of
// {tick, volume} structs.
func (s *Service) GetTickVolumes(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	profile, err := s.profile(ctx, req)
	if err != nil {
		return nil, err
	}
	values := make([]*structpb.Value, 0, profile.Len())
	for _, entry := range profile.Entries {
		values = append(values, structpb.NewStructValue(tickStruct(entry)))
	}
	return &structpb.ListValue{Values: values}, nil
}

// StreamVolumes replays the loudness profile at the simulation tick rate, sending one
// struct per tick that carries sounds and a closing struct with done set.
func (s *Service) StreamVolumes(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	profile, err := s.profile(ctx, req)
	if err != nil {
		return err
	}
	tickCh, stop := s.newTicker(s.interval)
	defer stop()

	for tick := 0; tick <= profile.FinalTick; tick++ {
		select {
		case <-ctx.Done():
			//1.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case <-tickCh:
		}
		loudness, ok := profile.At(tick)
		if !ok {
			continue
		}
		if err := stream.Send(tickStruct(volume.TickVolume{Tick: tick, Volume: loudness})); err != nil {
			return err
		}
	}
	//2.- The closing frame tells listeners the score has run out.
	return stream.Send(&structpb.Struct{Fields: map[string]*structpb.Value{
		"tick": structpb.NewNumberValue(float64(profile.FinalTick + 1)),
		"done": structpb.NewBoolValue(true),
	}})
}

func (s *Service) profile(ctx context.Context, req *wrapperspb.StringValue) (*volume.Profile, error) {
	if s == nil || s.profiles == nil {
		return nil, status.Error(codes.FailedPrecondition, "volume profiles unavailable")
	}
	id, err := score.ParseID(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	profile, err := s.profiles.Get(ctx, id)
	if err != nil {
		return nil, statusFromError(err)
	}
	return profile, nil
}

func tickStruct(entry volume.TickVolume) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"tick":   structpb.NewNumberValue(float64(entry.Tick)),
		"volume": structpb.NewNumberValue(float64(entry.Volume)),
	}}
}

func requestedEncoding(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(EncodingMetadataKey); len(values) > 0 {
		return values[0]
	}
	return ""
}

// statusFromError maps storage and codec failures onto gRPC status codes.
func statusFromError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, score.ErrMalformed):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

var _ ScoreServer = (*Service)(nil)
