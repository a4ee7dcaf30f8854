package registration

import (
	"errors"
	"sync"
	"testing"

	"github.com/emiago/sipgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clientStateRecorder struct {
	mu     sync.Mutex
	states []ClientState
}

func (r *clientStateRecorder) record(state ClientState, _ Message, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *clientStateRecorder) all() []ClientState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ClientState, len(r.states))
	copy(out, r.states)
	return out
}

func newTestSIPClient(t *testing.T) (*sipClient, *clientStateRecorder) {
	t.Helper()

	ua, err := sipgo.NewUA()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ua.Close() })

	settings := DefaultRegistrarSettings()
	settings.ProxyAddress = "registrar.example.com"
	settings.ProxyPort = 5060

	rec := &clientStateRecorder{}
	factory := NewSIPClientFactory(ua, nil)
	cli, err := factory(settings, Identity{PhoneNumber: "1005550100"}, rec.record)
	require.NoError(t, err)
	return cli.(*sipClient), rec
}

// Terminate во время полета запроса гоняется с транзакционной горутиной:
// какая бы ветка ни доехала первой, наружу обязан уйти ровно один
// ClientTerminated, без отчетов об отказе
func TestTerminateRacingInflightConfirms(t *testing.T) {
	t.Run("send failure after cancel", func(t *testing.T) {
		c, rec := newTestSIPClient(t)
		c.inflight = true
		c.cancel()

		c.sendFailed(errors.New("transport closed"))
		assert.Equal(t, []ClientState{ClientTerminated}, rec.all())
	})

	t.Run("final response after cancel", func(t *testing.T) {
		c, rec := newTestSIPClient(t)
		c.inflight = true
		c.cancel()

		c.handleFinal(OpRegister, nil)
		assert.Equal(t, []ClientState{ClientTerminated}, rec.all())
	})
}

func TestRequestAfterTerminateRejected(t *testing.T) {
	c, rec := newTestSIPClient(t)
	c.cancel()

	err := c.Request(OpRegister, nil, false)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Empty(t, rec.all())
}
