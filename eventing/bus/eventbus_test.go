package bus

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventsaga/event"
	msg "eventsaga/messaging"
	synctransport "eventsaga/messaging/transport/sync"
)

type testEventHandler struct{ cnt *int32 }

func (h testEventHandler) Handle(ctx context.Context, m msg.IMessage) error {
	atomic.AddInt32(h.cnt, 1)
	return nil
}

func (h testEventHandler) HandleEvent(ctx context.Context, evt *event.Event) error {
	atomic.AddInt32(h.cnt, 1)
	return nil
}

func (h testEventHandler) GetEventTypes() []string { return []string{"TestEvt"} }
func (h testEventHandler) GetHandlerName() string  { return "test" }
func (h testEventHandler) Type() string            { return "*" }

func newSyncBus(t *testing.T, signer *Signer) (*EventBus, func()) {
	t.Helper()
	tpt := synctransport.NewSyncTransport()
	require.NoError(t, tpt.Start(context.Background()))
	bus := msg.NewMessageBus(tpt)
	return NewEventBus(bus, signer), func() { tpt.Close() }
}

func TestEventBus_PublishSubscribe(t *testing.T) {
	eb, closeFn := newSyncBus(t, nil)
	defer closeFn()

	var cnt int32
	h := testEventHandler{cnt: &cnt}
	require.NoError(t, eb.SubscribeHandler(context.Background(), h))

	evt := event.New("TestEvt", "entity-1", nil)
	require.NoError(t, eb.PublishEvent(context.Background(), evt))

	assert.Equal(t, int32(1), atomic.LoadInt32(&cnt))
}

func TestEventBus_SignsAndVerifiesEnvelope(t *testing.T) {
	signer, err := NewSigner([]byte("top-secret"), []byte("test-namespace"))
	require.NoError(t, err)

	eb, closeFn := newSyncBus(t, signer)
	defer closeFn()

	var cnt int32
	h := testEventHandler{cnt: &cnt}
	require.NoError(t, eb.SubscribeHandler(context.Background(), h))

	evt := event.New("TestEvt", "entity-1", nil)
	require.NoError(t, eb.PublishEvent(context.Background(), evt))

	assert.Equal(t, int32(1), atomic.LoadInt32(&cnt))
	assert.NotEmpty(t, evt.GetMetadata()[envelopeSignatureField])
}

func TestEventBus_RejectsTamperedEnvelope(t *testing.T) {
	signer, err := NewSigner([]byte("top-secret"), []byte("test-namespace"))
	require.NoError(t, err)

	eb, closeFn := newSyncBus(t, signer)
	defer closeFn()

	var cnt int32
	h := testEventHandler{cnt: &cnt}
	require.NoError(t, eb.SubscribeHandler(context.Background(), h))

	evt := event.New("TestEvt", "entity-1", nil)
	require.NoError(t, signer.Sign(evt))
	evt.EntityKey = "entity-2"

	err = eb.IMessageBus.Publish(context.Background(), evt)
	assert.Error(t, err, "sync transport surfaces the handler's verification error")
	assert.Equal(t, int32(0), atomic.LoadInt32(&cnt), "tampered envelope must not reach the handler")
}

func TestSigner_RejectsWrongKey(t *testing.T) {
	signer, err := NewSigner([]byte("secret-a"), []byte("ns"))
	require.NoError(t, err)
	other, err := NewSigner([]byte("secret-b"), []byte("ns"))
	require.NoError(t, err)

	evt := event.New("TestEvt", "entity-1", nil)
	require.NoError(t, signer.Sign(evt))

	assert.Error(t, other.Verify(evt))
}
