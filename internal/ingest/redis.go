package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/omeyang/xindex/pkg/mq/xamqp"
)

// ErrNilClient RedisWriter 缺少客户端。
var ErrNilClient = errors.New("ingest: nil redis client")

// 版本编码成定长十进制串，Lua 里直接按字符串比较，避免 double 精度问题。
const writeAccountScript = `
local cur = redis.call('HGET', KEYS[1], 'ver')
if cur and ARGV[1] <= cur then
  return 0
end
redis.call('HSET', KEYS[1], 'ver', ARGV[1], 'data', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return 1
`

const writeSlotsScript = `
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
  redis.call('INCRBY', KEYS[2], ARGV[2])
end
return 1
`

var (
	writeAccount = redis.NewScript(writeAccountScript)
	writeSlots   = redis.NewScript(writeSlotsScript)
)

// RedisWriter 以 Redis 为存储的 Writer，多个索引节点可以共享。
//
// 每个账户一个 hash（ver、data 两个字段），data 为 CBOR 编码的 AccountUpdate。
// 版本比较与写入在同一段 Lua 中完成，并发写入同一账户时仍满足最后写入胜出。
type RedisWriter struct {
	client redis.UniversalClient
	prefix string
	codec  xamqp.Codec
}

var (
	_ Writer    = (*RedisWriter)(nil)
	_ Inventory = (*RedisWriter)(nil)
)

// NewRedisWriter 创建 RedisWriter，prefix 为空时使用 "xindex:"。
func NewRedisWriter(client redis.UniversalClient, prefix string) (*RedisWriter, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if prefix == "" {
		prefix = "xindex:"
	}
	return &RedisWriter{client: client, prefix: prefix, codec: xamqp.CBOR()}, nil
}

func (w *RedisWriter) accountKey(pubkey string) string { return w.prefix + "account:" + pubkey }
func (w *RedisWriter) accountsKey() string             { return w.prefix + "accounts" }
func (w *RedisWriter) rangesKey() string               { return w.prefix + "ranges" }
func (w *RedisWriter) slotsKey() string                { return w.prefix + "slots" }

func encodeVersion(v Version) string {
	return fmt.Sprintf("%020d%020d", v.Slot, v.WriteVersion)
}

// WriteAccount 版本不新时返回 ErrStale。
func (w *RedisWriter) WriteAccount(ctx context.Context, u AccountUpdate) error {
	data, err := w.codec.Marshal(u)
	if err != nil {
		return fmt.Errorf("ingest: encode account: %w", err)
	}
	n, err := writeAccount.Run(ctx, w.client,
		[]string{w.accountKey(u.Pubkey), w.accountsKey()},
		encodeVersion(u.Version()), data, u.Pubkey,
	).Int()
	if err != nil {
		return fmt.Errorf("ingest: redis write account: %w", err)
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

// WriteSlots 同一区间只计一次。
func (w *RedisWriter) WriteSlots(ctx context.Context, r SlotRange) error {
	member := strconv.FormatUint(r.From, 10) + "-" + strconv.FormatUint(r.To, 10)
	err := writeSlots.Run(ctx, w.client,
		[]string{w.rangesKey(), w.slotsKey()},
		member, strconv.FormatUint(r.Len(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("ingest: redis write slots: %w", err)
	}
	return nil
}

// Account 读取账户当前状态。
func (w *RedisWriter) Account(ctx context.Context, pubkey string) (AccountUpdate, bool, error) {
	data, err := w.client.HGet(ctx, w.accountKey(pubkey), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return AccountUpdate{}, false, nil
	}
	if err != nil {
		return AccountUpdate{}, false, err
	}
	var u AccountUpdate
	if err := w.codec.Unmarshal(data, &u); err != nil {
		return AccountUpdate{}, false, fmt.Errorf("ingest: decode account: %w", err)
	}
	return u, true, nil
}

// Inventory 账户数与已回填 slot 数。
func (w *RedisWriter) Inventory(ctx context.Context) (int64, uint64, error) {
	accounts, err := w.client.SCard(ctx, w.accountsKey()).Result()
	if err != nil {
		return 0, 0, err
	}
	slots, err := w.client.Get(ctx, w.slotsKey()).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, err
	}
	return accounts, slots, nil
}
