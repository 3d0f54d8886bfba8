package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"OpenMCP-Pilot/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 传输的连接参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// RabbitMQTransport 基于 RabbitMQ 实现发现协议：发现请求发到 fanout 交换机，
// 调用请求按提供方队列名路由，回复进入请求方的独占队列并以 correlation id 匹配。
// fanout 无法得知接收者数量，发现轮次总是等到超时。
type RabbitMQTransport struct {
	conn     *amqp.Connection
	exchange string
	log      *slog.Logger
}

// NewRabbitMQTransport 创建 RabbitMQ 传输并声明交换机。
func NewRabbitMQTransport(cfg RabbitMQConfig) (*RabbitMQTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "pilot.mcp.discover"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, false, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQTransport{conn: conn, exchange: exchange, log: logger.Named("discovery.rabbitmq")}, nil
}

// invokeQueue 返回提供方的调用队列名。
func invokeQueue(addr Address) string {
	return "pilot.mcp.invoke." + strings.ReplaceAll(addr.Key(), "/", ".")
}

func requestPublishing(req Request) (amqp.Publishing, error) {
	body, err := encodeRequest(req)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: req.ID,
		ReplyTo:       req.ReplyTo,
		Type:          req.Action,
		Body:          body,
	}, nil
}

func requestFromDelivery(d amqp.Delivery) (Request, error) {
	req, err := decodeRequest(d.Body)
	if err != nil {
		return Request{}, err
	}
	if d.ReplyTo != "" {
		req.ReplyTo = d.ReplyTo
	}
	if req.ReplyTo == "" {
		return Request{}, errors.New("请求缺少回复队列")
	}
	return req, nil
}

// replyQueue 在独立 channel 上声明独占回复队列并开始消费。
func (t *RabbitMQTransport) replyQueue() (*amqp.Channel, string, <-chan amqp.Delivery, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, "", nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, "", nil, fmt.Errorf("声明回复队列失败: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, "", nil, fmt.Errorf("订阅回复队列失败: %w", err)
	}
	return ch, q.Name, deliveries, nil
}

// Broadcast 实现 Transport。
func (t *RabbitMQTransport) Broadcast(ctx context.Context, req Request) (int, <-chan Reply, error) {
	ch, queue, deliveries, err := t.replyQueue()
	if err != nil {
		return 0, nil, err
	}
	req.ReplyTo = queue
	msg, err := requestPublishing(req)
	if err != nil {
		ch.Close()
		return 0, nil, err
	}
	if err := ch.PublishWithContext(ctx, t.exchange, "", false, false, msg); err != nil {
		ch.Close()
		return 0, nil, fmt.Errorf("发布发现请求失败: %w", err)
	}

	out := make(chan Reply)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				if d.CorrelationId != "" && d.CorrelationId != req.ID {
					continue
				}
				reply, err := decodeReply(d.Body)
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
	return -1, out, nil
}

// Call 实现 Transport。
func (t *RabbitMQTransport) Call(ctx context.Context, to Address, req Request) (Reply, error) {
	ch, queue, deliveries, err := t.replyQueue()
	if err != nil {
		return Reply{}, err
	}
	defer ch.Close()

	req.ReplyTo = queue
	msg, err := requestPublishing(req)
	if err != nil {
		return Reply{}, err
	}
	if err := ch.PublishWithContext(ctx, "", invokeQueue(to), false, false, msg); err != nil {
		return Reply{}, fmt.Errorf("发布调用请求失败: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return Reply{}, errors.New("RabbitMQ 回复队列已关闭")
			}
			if d.CorrelationId != req.ID {
				continue
			}
			return decodeReply(d.Body)
		}
	}
}

// Serve 实现 Transport。
func (t *RabbitMQTransport) Serve(ctx context.Context, addr Address, handler Handler) error {
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	defer ch.Close()

	discoverQ, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("声明发现队列失败: %w", err)
	}
	if err := ch.QueueBind(discoverQ.Name, "", t.exchange, false, nil); err != nil {
		return fmt.Errorf("绑定发现队列失败: %w", err)
	}
	if _, err := ch.QueueDeclare(invokeQueue(addr), false, true, false, false, nil); err != nil {
		return fmt.Errorf("声明调用队列失败: %w", err)
	}
	discoveries, err := ch.Consume(discoverQ.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅发现队列失败: %w", err)
	}
	invocations, err := ch.Consume(invokeQueue(addr), "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅调用队列失败: %w", err)
	}

	for {
		var d amqp.Delivery
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok = <-discoveries:
		case d, ok = <-invocations:
		}
		if !ok {
			return errors.New("RabbitMQ 消费通道已关闭")
		}
		req, err := requestFromDelivery(d)
		if err != nil {
			t.log.Warn("忽略无效请求", slog.Any("error", err))
			continue
		}
		go t.answer(ctx, req, handler)
	}
}

func (t *RabbitMQTransport) answer(ctx context.Context, req Request, handler Handler) {
	body, err := encodeReply(handler(ctx, req))
	if err != nil {
		t.log.Error("编码回复失败", slog.Any("error", err))
		return
	}
	ch, err := t.conn.Channel()
	if err != nil {
		t.log.Warn("创建回复 channel 失败", slog.Any("error", err))
		return
	}
	defer ch.Close()
	err = ch.PublishWithContext(ctx, "", req.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: req.ID,
		Body:          body,
	})
	if err != nil {
		t.log.Warn("发送回复失败", slog.String("reply_to", req.ReplyTo), slog.Any("error", err))
	}
}

// Close 关闭 RabbitMQ 连接。
func (t *RabbitMQTransport) Close() error {
	if t == nil || t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
