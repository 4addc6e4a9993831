package email

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout-service/internal/broker"
)

func TestRenderBuyerConfirmationEscapes(t *testing.T) {
	msg, err := RenderBuyerConfirmation("buyer@example.com", BuyerConfirmation{
		OrderID:  "o1",
		Lines:    []Line{{Title: "<script>alert(1)</script>", Quantity: 2, Price: "30.00"}},
		Subtotal: "60.00",
		Shipping: "5.00",
		Total:    "65.00",
	})
	require.NoError(t, err)
	assert.Equal(t, "Order o1 confirmed", msg.Subject)
	assert.Contains(t, msg.HTML, "Total: $65.00")
	assert.NotContains(t, msg.HTML, "<script>")
}

func TestRenderSellerNotification(t *testing.T) {
	msg, err := RenderSellerNotification("seller@example.com", SellerNotification{
		OrderID: "o1", SellerID: "s1", Amount: "25.00", ProcessorFee: "1.03", NetAmount: "23.97",
	})
	require.NoError(t, err)
	assert.Contains(t, msg.HTML, "You receive: $23.97")
}

func TestBrokerSenderPublishes(t *testing.T) {
	pub := broker.NewMemoryPublisher()
	s := NewBrokerSender(pub, "orders@example.com")

	require.NoError(t, s.Send(context.Background(), Message{To: "a@example.com", Subject: "hi", HTML: "<p>x</p>"}))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, Topic, msgs[0].Topic)
	var got Message
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, "orders@example.com", got.From)
	assert.Equal(t, "a@example.com", got.To)
}

func TestSendersRejectInvalidRecipient(t *testing.T) {
	logSender := NewLogSender(slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, logSender.Send(context.Background(), Message{To: "not-an-address", Subject: "x"}))
	assert.Error(t, NewBrokerSender(broker.NewMemoryPublisher(), "").Send(context.Background(), Message{Subject: "x"}))
	assert.NoError(t, logSender.Send(context.Background(), Message{To: "a@example.com", Subject: "x"}))
}
