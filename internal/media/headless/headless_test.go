package headless

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matheus3301/nova/internal/media"
)

func TestOfferAnswerExchange(t *testing.T) {
	acq := &Acquirer{}
	f := &Factory{}

	la, err := acq.Acquire(context.Background(), true)
	require.NoError(t, err)
	lb, err := acq.Acquire(context.Background(), true)
	require.NoError(t, err)

	var offer, answer json.RawMessage
	var aRemote, bRemote media.Stream
	a, err := f.NewPeer(true, la, media.PeerEvents{
		OnSignal: func(d json.RawMessage) { offer = d },
		OnStream: func(s media.Stream) { aRemote = s },
	})
	require.NoError(t, err)
	require.NotNil(t, offer)

	b, err := f.NewPeer(false, lb, media.PeerEvents{
		OnSignal: func(d json.RawMessage) { answer = d },
		OnStream: func(s media.Stream) { bRemote = s },
	})
	require.NoError(t, err)
	require.NoError(t, b.Signal(offer))
	require.NotNil(t, answer)
	require.NotNil(t, bRemote)

	require.NoError(t, a.Signal(answer))
	require.NotNil(t, aRemote)

	require.Error(t, a.Signal(offer), "initiator must not accept an offer")
	require.NoError(t, a.Close())
	require.Error(t, a.Signal(answer))
	require.True(t, f.Peers()[0].Closed())
}

func TestAcquirerFailure(t *testing.T) {
	denied := errors.New("permission denied")
	acq := &Acquirer{Err: denied}
	_, err := acq.Acquire(context.Background(), false)
	require.ErrorIs(t, err, denied)
	require.Empty(t, acq.Streams())
}

func TestSignalRejectsGarbage(t *testing.T) {
	f := &Factory{}
	p, err := f.NewPeer(false, NewStream("x"), media.PeerEvents{})
	require.NoError(t, err)
	require.Error(t, p.Signal(json.RawMessage(`not json`)))
}
