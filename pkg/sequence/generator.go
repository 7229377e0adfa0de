package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"consignment-ledger/pkg/rediskey"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

// Generator issues flow numbers (one per ledger entry) and batch numbers
// (one per logical operation, shared by its entries).
type Generator interface {
	NextFlowNo(ctx context.Context) (string, error)
	NextBatchNo(ctx context.Context, prefix string) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
	now func() time.Time
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// NextFlowNo returns FL-yyMMdd-<base36 seq><2 random chars>.
func (g *RedisGenerator) NextFlowNo(ctx context.Context) (string, error) {
	today := g.now().Format("060102")
	seq, err := g.incrDaily(ctx, rediskey.BuildSequenceKey("flow", today))
	if err != nil {
		return "", err
	}

	encodedSeq := strings.ToUpper(fmt.Sprintf("%06s", strconv.FormatInt(seq, 36)))
	randSuffix, err := randomAlphaNumeric(2)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("FL-%s-%s%s", today, encodedSeq, randSuffix), nil
}

// NextBatchNo returns PREFIX_yyyymmdd_%08d with a per prefix daily counter.
func (g *RedisGenerator) NextBatchNo(ctx context.Context, prefix string) (string, error) {
	today := g.now().Format("20060102")
	seq, err := g.incrDaily(ctx, rediskey.BuildSequenceKey("batch:"+prefix, today))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%s_%08d", prefix, today, seq), nil
}

func (g *RedisGenerator) incrDaily(ctx context.Context, key string) (int64, error) {
	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	if seq == 1 {
		_ = g.rdb.Expire(ctx, key, 48*time.Hour).Err()
	}
	return seq, nil
}

type SnowflakeGenerator struct {
	node *snowflake.Node
	now  func() time.Time
}

// NewSnowflakeGenerator needs no external state; used by the CLI and tests.
func NewSnowflakeGenerator(node *snowflake.Node) *SnowflakeGenerator {
	return &SnowflakeGenerator{
		node: node,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (g *SnowflakeGenerator) NextFlowNo(context.Context) (string, error) {
	return "FL-" + strings.ToUpper(g.node.Generate().Base36()), nil
}

func (g *SnowflakeGenerator) NextBatchNo(_ context.Context, prefix string) (string, error) {
	return fmt.Sprintf("%s_%s_%s", prefix, g.now().Format("20060102"), g.node.Generate().String()), nil
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
