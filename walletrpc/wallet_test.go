package walletrpc

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

func TestSelectUTXOsSatisfiesAmount(t *testing.T) {
	t.Parallel()

	w := NewMemWallet(
		UTXO{OutPoint: wire.OutPoint{Index: 0}, Value: 30_000},
		UTXO{OutPoint: wire.OutPoint{Index: 1}, Value: 80_000},
	)

	selected, total, err := w.SelectUTXOs(context.Background(), 50_000)
	require.NoError(t, err)
	require.GreaterOrEqual(t, total, btcutil.Amount(50_000))
	require.NotEmpty(t, selected)
}

func TestSelectUTXOsInsufficientFunds(t *testing.T) {
	t.Parallel()

	w := NewMemWallet(UTXO{OutPoint: wire.OutPoint{Index: 0}, Value: 1_000})

	_, _, err := w.SelectUTXOs(context.Background(), 50_000)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestSelectUTXOsMarksSpent(t *testing.T) {
	t.Parallel()

	w := NewMemWallet(UTXO{OutPoint: wire.OutPoint{Index: 0}, Value: 50_000})

	_, _, err := w.SelectUTXOs(context.Background(), 50_000)
	require.NoError(t, err)

	unspent, err := w.ListUnspent(context.Background())
	require.NoError(t, err)
	require.Empty(t, unspent)
}

func TestBroadcastAndImportWatchOnly(t *testing.T) {
	t.Parallel()

	w := NewMemWallet()
	tx := wire.NewMsgTx(2)
	require.NoError(t, w.Broadcast(context.Background(), tx))
	require.Len(t, w.Broadcasts, 1)

	require.NoError(t, w.ImportWatchOnlyScript(context.Background(), []byte{0x00}))
	require.Len(t, w.WatchOnly, 1)
}
