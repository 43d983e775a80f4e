package storage

import (
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message 待发布的消息
type Message struct {
	Exchange   string     // 为空表示默认交换机，按 RoutingKey 直达队列
	RoutingKey string     // 默认交换机下即队列名
	Body       []byte     // JSON 消息体，原样投递
	Headers    amqp.Table // 例如 x-retry-count
	MessageID  string     // 为空时自动生成 UUIDv7
	Persistent bool       // delivery mode 2
}

// RetryCount 从消息头读取重试次数，缺失或无法解析时返回 0
func RetryCount(headers amqp.Table, key string) int {
	if headers == nil {
		return 0
	}
	switch v := headers[key].(type) {
	case int:
		return nonNegative(v)
	case int8:
		return nonNegative(int(v))
	case int16:
		return nonNegative(int(v))
	case int32:
		return nonNegative(int(v))
	case int64:
		return nonNegative(int(v))
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float32:
		return nonNegative(int(v))
	case float64:
		return nonNegative(int(v))
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return nonNegative(n)
	}
	return 0
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// CloneHeaders 复制消息头，避免修改原始投递
func CloneHeaders(headers amqp.Table) amqp.Table {
	out := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	return out
}
