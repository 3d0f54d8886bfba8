package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"OpenMCP-Pilot/pkg/logger"
)

// RedisConfig 描述 Redis 传输的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisTransport 基于 Redis pub/sub 实现发现协议：
// 发现请求发布到公共频道，调用请求发布到提供方专属频道，回复发布到请求方的临时频道。
type RedisTransport struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

// NewRedisTransport 创建 Redis 传输并检查连通性。
func NewRedisTransport(cfg RedisConfig) (*RedisTransport, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisTransport(client, cfg.Prefix), nil
}

func newRedisTransport(client *redis.Client, prefix string) *RedisTransport {
	if prefix == "" {
		prefix = "pilot:mcp"
	}
	return &RedisTransport{client: client, prefix: prefix, log: logger.Named("discovery.redis")}
}

func (t *RedisTransport) discoverChannel() string { return t.prefix + ":discover" }

func (t *RedisTransport) invokeChannel(addr Address) string {
	return t.prefix + ":invoke:" + addr.Key()
}

func (t *RedisTransport) replyChannel() string { return t.prefix + ":reply:" + uuid.NewString() }

// subscribe 订阅频道并等待订阅确认，避免回复早于订阅到达。
func (t *RedisTransport) subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	sub := t.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("订阅 Redis 频道失败: %w", err)
	}
	return sub, nil
}

// Broadcast 实现 Transport。PUBLISH 返回的接收者数量即预期回复数。
func (t *RedisTransport) Broadcast(ctx context.Context, req Request) (int, <-chan Reply, error) {
	req.ReplyTo = t.replyChannel()
	sub, err := t.subscribe(ctx, req.ReplyTo)
	if err != nil {
		return 0, nil, err
	}
	payload, err := encodeRequest(req)
	if err != nil {
		_ = sub.Close()
		return 0, nil, err
	}
	receivers, err := t.client.Publish(ctx, t.discoverChannel(), payload).Result()
	if err != nil {
		_ = sub.Close()
		return 0, nil, fmt.Errorf("发布发现请求失败: %w", err)
	}

	out := make(chan Reply, receivers)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				reply, err := decodeReply([]byte(msg.Payload))
				if err != nil {
					t.log.Warn("忽略无法解析的发现回复", slog.Any("error", err))
					continue
				}
				select {
				case out <- reply:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return int(receivers), out, nil
}

// Call 实现 Transport。
func (t *RedisTransport) Call(ctx context.Context, to Address, req Request) (Reply, error) {
	req.ReplyTo = t.replyChannel()
	sub, err := t.subscribe(ctx, req.ReplyTo)
	if err != nil {
		return Reply{}, err
	}
	defer sub.Close()

	payload, err := encodeRequest(req)
	if err != nil {
		return Reply{}, err
	}
	receivers, err := t.client.Publish(ctx, t.invokeChannel(to), payload).Result()
	if err != nil {
		return Reply{}, fmt.Errorf("发布调用请求失败: %w", err)
	}
	if receivers == 0 {
		return Reply{}, fmt.Errorf("提供方 %s 不在线", to.Key())
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return Reply{}, errors.New("Redis 订阅已关闭")
			}
			reply, err := decodeReply([]byte(msg.Payload))
			if err != nil || reply.ID != req.ID {
				continue
			}
			return reply, nil
		}
	}
}

// Serve 实现 Transport。
func (t *RedisTransport) Serve(ctx context.Context, addr Address, handler Handler) error {
	sub, err := t.subscribe(ctx, t.discoverChannel(), t.invokeChannel(addr))
	if err != nil {
		return err
	}
	defer sub.Close()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("Redis 订阅已关闭")
			}
			req, err := decodeRequest([]byte(msg.Payload))
			if err != nil || req.ReplyTo == "" {
				t.log.Warn("忽略无效请求", slog.String("channel", msg.Channel), slog.Any("error", err))
				continue
			}
			go t.answer(ctx, req, handler)
		}
	}
}

func (t *RedisTransport) answer(ctx context.Context, req Request, handler Handler) {
	payload, err := encodeReply(handler(ctx, req))
	if err != nil {
		t.log.Error("编码回复失败", slog.Any("error", err))
		return
	}
	if err := t.client.Publish(ctx, req.ReplyTo, payload).Err(); err != nil {
		t.log.Warn("发送回复失败", slog.String("reply_to", req.ReplyTo), slog.Any("error", err))
	}
}

// Close 关闭 Redis 连接。
func (t *RedisTransport) Close() error {
	if t == nil || t.client == nil {
		return nil
	}
	return t.client.Close()
}
