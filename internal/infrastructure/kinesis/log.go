package kinesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"

	"loanflow/internal/logstream"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

// Position markers used until the first record of a shard has been read.
const (
	positionTrimHorizon = "TRIM_HORIZON"
	positionLatest      = "LATEST"
)

type Config struct {
	Region            string
	CredentialProfile string
	// Endpoint overrides the service endpoint, e.g. for localstack.
	Endpoint string
}

// API is the subset of the Kinesis client used by Log.
type API interface {
	ListShards(ctx context.Context, in *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	GetShardIterator(ctx context.Context, in *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
	PutRecord(ctx context.Context, in *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

// Log reads and writes Kinesis data streams. A cursor's Position is the
// sequence number of the last record read (or a start marker) and its Token
// is the shard iterator, which expires after a few minutes and is then
// re-derived from the Position.
type Log struct {
	api API
}

func NewLog(ctx context.Context, cfg Config) (*Log, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.CredentialProfile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.CredentialProfile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Log{api: client}, nil
}

func NewLogWithAPI(api API) *Log {
	return &Log{api: api}
}

func (l *Log) ListShards(ctx context.Context, stream string) ([]string, error) {
	var ids []string
	in := &kinesis.ListShardsInput{StreamName: aws.String(stream)}
	for {
		out, err := l.api.ListShards(ctx, in)
		if err != nil {
			return nil, classify(err, stream)
		}
		for _, s := range out.Shards {
			ids = append(ids, aws.ToString(s.ShardId))
		}
		if out.NextToken == nil {
			break
		}
		// StreamName must not be sent together with NextToken.
		in = &kinesis.ListShardsInput{NextToken: out.NextToken}
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *Log) StartCursor(ctx context.Context, stream, shardID string, pos logstream.StartPosition) (logstream.Cursor, error) {
	marker := positionTrimHorizon
	if pos == logstream.Newest {
		marker = positionLatest
	}
	iter, err := l.iterator(ctx, stream, shardID, marker)
	if err != nil {
		return logstream.Cursor{}, err
	}
	return logstream.Cursor{ShardID: shardID, Position: marker, Token: iter}, nil
}

func (l *Log) ReadFrom(ctx context.Context, stream string, cur logstream.Cursor, max int) ([]logstream.Record, logstream.Cursor, error) {
	if cur.Closed {
		return nil, cur, fmt.Errorf("%w: %s", logstream.ErrShardClosed, cur.ShardID)
	}

	if cur.Token == "" {
		iter, err := l.iterator(ctx, stream, cur.ShardID, cur.Position)
		if err != nil {
			return nil, cur, err
		}
		cur.Token = iter
	}

	in := &kinesis.GetRecordsInput{ShardIterator: aws.String(cur.Token)}
	if max > 0 {
		in.Limit = aws.Int32(int32(min(max, 10000)))
	}

	out, err := l.api.GetRecords(ctx, in)
	var expired *types.ExpiredIteratorException
	if errors.As(err, &expired) {
		iter, ierr := l.iterator(ctx, stream, cur.ShardID, cur.Position)
		if ierr != nil {
			return nil, cur, ierr
		}
		cur.Token = iter
		in.ShardIterator = aws.String(iter)
		out, err = l.api.GetRecords(ctx, in)
	}
	if err != nil {
		return nil, cur, classify(err, stream)
	}

	records := make([]logstream.Record, 0, len(out.Records))
	next := cur
	for _, r := range out.Records {
		rec := logstream.Record{
			ShardID:  cur.ShardID,
			Position: aws.ToString(r.SequenceNumber),
			Key:      aws.ToString(r.PartitionKey),
			Payload:  r.Data,
		}
		if r.ApproximateArrivalTimestamp != nil {
			rec.AppendedAt = *r.ApproximateArrivalTimestamp
		}
		records = append(records, rec)
		next.Position = rec.Position
	}

	next.Token = aws.ToString(out.NextShardIterator)
	next.Closed = out.NextShardIterator == nil
	return records, next, nil
}

func (l *Log) Write(ctx context.Context, stream, partitionKey string, payload []byte) (string, error) {
	out, err := l.api.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(stream),
		PartitionKey: aws.String(partitionKey),
		Data:         payload,
	})
	if err != nil {
		return "", classify(err, stream)
	}
	return aws.ToString(out.ShardId) + "/" + aws.ToString(out.SequenceNumber), nil
}

// iterator opens a shard iterator at a start marker or just after a sequence
// number.
func (l *Log) iterator(ctx context.Context, stream, shardID, position string) (string, error) {
	in := &kinesis.GetShardIteratorInput{
		StreamName: aws.String(stream),
		ShardId:    aws.String(shardID),
	}
	switch position {
	case positionTrimHorizon, "":
		in.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	case positionLatest:
		in.ShardIteratorType = types.ShardIteratorTypeLatest
	default:
		in.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		in.StartingSequenceNumber = aws.String(position)
	}

	out, err := l.api.GetShardIterator(ctx, in)
	if err != nil {
		var invalid *types.InvalidArgumentException
		if errors.As(err, &invalid) && in.StartingSequenceNumber != nil {
			return "", fmt.Errorf("%w: sequence %s of %s: %w", logstream.ErrCursorExpired, position, shardID, err)
		}
		return "", classify(err, stream)
	}
	if out.ShardIterator == nil {
		return "", fmt.Errorf("%w: %s", logstream.ErrShardClosed, shardID)
	}
	return *out.ShardIterator, nil
}

func classify(err error, stream string) error {
	var (
		notFound   *types.ResourceNotFoundException
		throughput *types.ProvisionedThroughputExceededException
		limit      *types.LimitExceededException
		expired    *types.ExpiredIteratorException
		kms        *types.KMSThrottlingException
	)
	switch {
	case errors.As(err, &notFound):
		return fmt.Errorf("%w: stream %s: %w", logstream.ErrNotFound, stream, err)
	case errors.As(err, &throughput), errors.As(err, &limit), errors.As(err, &kms):
		return fmt.Errorf("%w: %w", logstream.ErrThroughputExceeded, err)
	case errors.As(err, &expired):
		return fmt.Errorf("%w: %w", logstream.ErrCursorExpired, err)
	case errors.Is(err, context.Canceled):
		return err
	}

	// Anything else from the SDK has already been through its own retryer;
	// transport-level failures mean the log is unreachable.
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", logstream.ErrUnavailable, err)
	}
	return err
}
