package xamqp

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Codec 消息体编解码。
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ContentTypeCBOR CBOR 消息的 content-type。
const ContentTypeCBOR = "application/cbor"

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var defaultCBOR = mustCBOR()

func mustCBOR() *cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("xamqp: cbor enc mode: %v", err))
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("xamqp: cbor dec mode: %v", err))
	}
	return &cborCodec{enc: enc, dec: dec}
}

// CBOR 返回确定性编码的 CBOR 编解码器。
func CBOR() Codec { return defaultCBOR }

func (c *cborCodec) ContentType() string { return ContentTypeCBOR }

func (c *cborCodec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *cborCodec) Unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

// NewPublishing 用 codec 编码 v，返回持久化投递的消息。
func NewPublishing(codec Codec, v any) (amqp.Publishing, error) {
	if codec == nil {
		codec = CBOR()
	}
	body, err := codec.Marshal(v)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("xamqp: encode: %w", err)
	}
	return amqp.Publishing{
		ContentType:  codec.ContentType(),
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}, nil
}
