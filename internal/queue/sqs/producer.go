package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"msggw/internal/domain"
)

const (
	KindMessage    = "message"
	KindConnection = "connection"
)

// InboundEvent is the internal envelope for provider callbacks on their way
// from the webhook receiver to the consumer. Keep it small; SQS has a 256KB
// message size limit.
type InboundEvent struct {
	Kind       string                   `json:"kind"` // KindMessage | KindConnection
	TenantID   string                   `json:"tenantId"`
	InstanceID string                   `json:"instanceId"`
	Message    *domain.InboundMessage   `json:"message,omitempty"`
	Connection *domain.ConnectionUpdate `json:"connection,omitempty"`
	ReceivedAt time.Time                `json:"receivedAt"`
}

type Producer struct {
	SQS      *sqs.Client
	QueueURL string

	// GroupBuckets spreads FIFO message groups; ordering only matters per
	// (instance, counterparty), so hashing into buckets keeps throughput up.
	GroupBuckets int
}

func (p *Producer) EnqueueInbound(ctx context.Context, ev InboundEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	orderKey := ev.InstanceID
	if ev.Message != nil {
		orderKey = ev.InstanceID + ":" + ev.Message.From
	}
	groupID := messageGroupIDBucketed(ev.TenantID, orderKey, p.GroupBuckets)

	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:       &p.QueueURL,
		MessageBody:    str(string(body)),
		MessageGroupId: str(groupID),
	})
	return err
}

// messageGroupIDBucketed maps a (tenant, order key) pair to a stable FIFO
// group id within a bounded bucket space.
func messageGroupIDBucketed(tenantID, key string, buckets int) string {
	if buckets <= 0 {
		buckets = 1024
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("%s:%d", tenantID, h.Sum32()%uint32(buckets))
}

func str(s string) *string { return &s }
