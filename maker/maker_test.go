package maker

import (
	"context"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/lightninglabs/teleport/chainrpc"
	"github.com/lightninglabs/teleport/contract"
	"github.com/lightninglabs/teleport/swapcoin"
	"github.com/lightninglabs/teleport/walletrpc"
	"github.com/lightninglabs/teleport/wire"
)

func randPriv(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	k, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return k
}

func testConfig() Config {
	return Config{
		MinSize:       1_000,
		MaxSize:       1_000_000,
		BaseFee:       100,
		AmountFeePPB:  1_000_000,
		MinLocktime:   10,
		RequiredConfs: 1,
		MinVersion:    1,
		MaxVersion:    1,
		StepDeadline:  5 * time.Second,
	}
}

// TestMakerSingleHopFinalReceiverRun drives a Maker acting as a final-hop
// receiver through a complete session: greet, offer exchange, signing as
// receiver, waiting for the funding tx to confirm, and learning the shared
// preimage. There is no next hop, so ContractSigsForRecvingAndSending
// carries nothing to verify or sign, and no PrivateKeyHandover is sent.
func TestMakerSingleHopFinalReceiverRun(t *testing.T) {
	t.Parallel()

	tweakPriv := randPriv(t)
	ledger := swapcoin.NewLedger()
	wallet := walletrpc.NewMemWallet()
	chain := chainrpc.NewMemChain(100)

	m := New(testConfig(), ledger, wallet, chain, tweakPriv, 4)

	var hopTweak [32]byte
	rand.Read(hopTweak[:])

	multisigTweak := contract.RoleTweak(hopTweak, contract.RoleMultisig)
	hashTweak := contract.RoleTweak(hopTweak, contract.RoleContract)
	makerMultisigPub := contract.DeriveHopPubkey(tweakPriv.PubKey(), multisigTweak)
	makerHashPub := contract.DeriveHopPubkey(tweakPriv.PubKey(), hashTweak)

	takerMultisigPriv := randPriv(t)
	takerTimePriv := randPriv(t)

	var preimage [32]byte
	rand.Read(preimage[:])
	var hashvalue [contract.Hash160Size]byte
	copy(hashvalue[:], btcutil.Hash160(preimage[:]))

	const locktime = 20
	contractScript, err := contract.BuildContractScript(
		makerHashPub, takerTimePriv.PubKey(), hashvalue, locktime,
	)
	require.NoError(t, err)

	multisigScript, err := contract.BuildMultisigScript(makerMultisigPub, takerMultisigPriv.PubKey())
	require.NoError(t, err)

	const fundingAmount = btcutil.Amount(200_000)

	contractTx, err := contract.BuildContractTx(
		btcwire.OutPoint{Index: 0}, fundingAmount, contractScript,
	)
	require.NoError(t, err)
	contractTxBytes, err := wire.EncodeTx(contractTx)
	require.NoError(t, err)

	info := wire.FundingTxSigReq{
		MultisigScript:       multisigScript,
		ContractRedeemScript: contractScript,
		FundingAmount:        int64(fundingAmount),
		ContractTx:           contractTxBytes,
		HopTweak:             hopTweak,
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	serveErr := make(chan error, 1)
	go func() { serveErr <- m.ServeConn(context.Background(), serverConn) }()

	write := func(msg wire.Message) { require.NoError(t, wire.WriteMessage(clientConn, msg)) }
	read := func() wire.Message {
		msg, err := wire.ReadMessage(clientConn)
		require.NoError(t, err)
		return msg
	}

	write(&wire.TakerHello{MinVersion: 1, MaxVersion: 1})
	hello, ok := read().(*wire.MakerHello)
	require.True(t, ok)
	require.Equal(t, uint32(1), hello.MinVersion)

	write(&wire.GiveOffer{})
	offer, ok := read().(*wire.Offer)
	require.True(t, ok)
	require.Equal(t, tweakPriv.PubKey().SerializeCompressed(), offer.TweakablePoint)

	write(&wire.ReqContractSigsForSender{TxsInfo: []wire.FundingTxSigReq{info}})
	sigsMsg, ok := read().(*wire.ContractSigsForSender)
	require.True(t, ok)
	require.Len(t, sigsMsg.Sigs, 1)
	require.NoError(t, contract.VerifyContractTxSig(
		contractTx, multisigScript, fundingAmount, makerMultisigPub, sigsMsg.Sigs[0].Signature,
	))

	// Build the real funding transaction paying the hop's multisig
	// output and confirm it on the test chain once the Maker has had a
	// chance to register its confirmation subscription.
	fundingPkScript, err := contract.P2WSH(multisigScript)
	require.NoError(t, err)
	fundingTx := btcwire.NewMsgTx(2)
	fundingTx.AddTxIn(btcwire.NewTxIn(&btcwire.OutPoint{Index: 0}, nil, nil))
	fundingTx.AddTxOut(btcwire.NewTxOut(int64(fundingAmount), fundingPkScript))
	fundingOutpoint := btcwire.OutPoint{Hash: fundingTx.TxHash(), Index: 0}

	confirmed := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		chain.ConfirmTx(fundingOutpoint, fundingTx)
		close(confirmed)
	}()

	fundingTxBytes, err := wire.EncodeTx(fundingTx)
	require.NoError(t, err)
	write(&wire.ProofOfFunding{FundingTxs: [][]byte{fundingTxBytes}})

	<-confirmed

	write(&wire.ContractSigsForRecvingAndSending{})
	recvSend, ok := read().(*wire.RequestContractSigsAsReceiverAndSender)
	require.True(t, ok)
	require.Empty(t, recvSend.RecvingSigs)

	write(&wire.HashPreimage{Preimage: preimage})

	require.NoError(t, <-serveErr)

	sc, err := ledger.Find(multisigScript)
	require.NoError(t, err)
	require.NotNil(t, sc.Preimage)
	require.Equal(t, preimage, *sc.Preimage)
}

// TestMakerIntermediateHopFundsOwnLeg drives a Maker acting as a
// middle-of-route hop: it receives an incoming hop as receiver, then is
// asked to forward as sender of the next hop. It must fund that outgoing
// hop from its own wallet rather than being handed a funding tx, and
// report the broadcast tx back in SendingFundingTxs.
func TestMakerIntermediateHopFundsOwnLeg(t *testing.T) {
	t.Parallel()

	tweakPriv := randPriv(t)
	ledger := swapcoin.NewLedger()

	fundingPriv := randPriv(t)

	const outgoingAmount = btcutil.Amount(150_000)
	wallet := walletrpc.NewMemWallet(walletrpc.UTXO{
		OutPoint: btcwire.OutPoint{Index: 7},
		Value:    outgoingAmount + contract.FixedContractFee + 50_000,
		PkScript: mustP2WPKH(t, fundingPriv),
		Privkey:  fundingPriv,
	})
	chain := chainrpc.NewMemChain(100)

	m := New(testConfig(), ledger, wallet, chain, tweakPriv, 4)

	// Incoming hop: this Maker is the receiver.
	var inTweak [32]byte
	rand.Read(inTweak[:])
	inMultisigTweak := contract.RoleTweak(inTweak, contract.RoleMultisig)
	inHashTweak := contract.RoleTweak(inTweak, contract.RoleContract)
	makerInMultisigPub := contract.DeriveHopPubkey(tweakPriv.PubKey(), inMultisigTweak)
	makerHashPub := contract.DeriveHopPubkey(tweakPriv.PubKey(), inHashTweak)

	upstreamMultisigPriv := randPriv(t)
	upstreamTimePriv := randPriv(t)

	var preimage [32]byte
	rand.Read(preimage[:])
	var hashvalue [contract.Hash160Size]byte
	copy(hashvalue[:], btcutil.Hash160(preimage[:]))

	const incomingAmount = btcutil.Amount(200_000)
	inContractScript, err := contract.BuildContractScript(
		makerHashPub, upstreamTimePriv.PubKey(), hashvalue, 20,
	)
	require.NoError(t, err)
	inMultisigScript, err := contract.BuildMultisigScript(makerInMultisigPub, upstreamMultisigPriv.PubKey())
	require.NoError(t, err)
	inContractTx, err := contract.BuildContractTx(btcwire.OutPoint{Index: 0}, incomingAmount, inContractScript)
	require.NoError(t, err)
	inContractTxBytes, err := wire.EncodeTx(inContractTx)
	require.NoError(t, err)

	inInfo := wire.FundingTxSigReq{
		MultisigScript:       inMultisigScript,
		ContractRedeemScript: inContractScript,
		FundingAmount:        int64(incomingAmount),
		ContractTx:           inContractTxBytes,
		HopTweak:             inTweak,
	}

	// Outgoing hop: this Maker is the sender, forwarding to a downstream
	// party that holds the hashlock.
	var outTweak [32]byte
	rand.Read(outTweak[:])
	outMultisigTweak := contract.RoleTweak(outTweak, contract.RoleMultisig)
	outTimeTweak := contract.RoleTweak(outTweak, contract.RoleContract)
	makerOutMultisigPub := contract.DeriveHopPubkey(tweakPriv.PubKey(), outMultisigTweak)
	makerTimePub := contract.DeriveHopPubkey(tweakPriv.PubKey(), outTimeTweak)

	downstreamMultisigPriv := randPriv(t)
	downstreamHashPriv := randPriv(t)

	outContractScript, err := contract.BuildContractScript(
		downstreamHashPriv.PubKey(), makerTimePub, hashvalue, 10,
	)
	require.NoError(t, err)
	outMultisigScript, err := contract.BuildMultisigScript(makerOutMultisigPub, downstreamMultisigPriv.PubKey())
	require.NoError(t, err)
	outContractTx, err := contract.BuildContractTx(btcwire.OutPoint{Index: 0}, outgoingAmount, outContractScript)
	require.NoError(t, err)
	outContractTxBytes, err := wire.EncodeTx(outContractTx)
	require.NoError(t, err)

	outInfo := wire.FundingTxSigReq{
		MultisigScript:       outMultisigScript,
		ContractRedeemScript: outContractScript,
		FundingAmount:        int64(outgoingAmount),
		ContractTx:           outContractTxBytes,
		HopTweak:             outTweak,
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	serveErr := make(chan error, 1)
	go func() { serveErr <- m.ServeConn(context.Background(), serverConn) }()

	write := func(msg wire.Message) { require.NoError(t, wire.WriteMessage(clientConn, msg)) }
	read := func() wire.Message {
		msg, err := wire.ReadMessage(clientConn)
		require.NoError(t, err)
		return msg
	}

	write(&wire.TakerHello{MinVersion: 1, MaxVersion: 1})
	read()
	write(&wire.GiveOffer{})
	read()

	write(&wire.ReqContractSigsForSender{TxsInfo: []wire.FundingTxSigReq{inInfo}})
	sigsMsg, ok := read().(*wire.ContractSigsForSender)
	require.True(t, ok)
	require.Len(t, sigsMsg.Sigs, 1)

	inFundingPkScript, err := contract.P2WSH(inMultisigScript)
	require.NoError(t, err)
	inFundingTx := btcwire.NewMsgTx(2)
	inFundingTx.AddTxIn(btcwire.NewTxIn(&btcwire.OutPoint{Index: 0}, nil, nil))
	inFundingTx.AddTxOut(btcwire.NewTxOut(int64(incomingAmount), inFundingPkScript))
	inFundingOutpoint := btcwire.OutPoint{Hash: inFundingTx.TxHash(), Index: 0}

	confirmed := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		chain.ConfirmTx(inFundingOutpoint, inFundingTx)
		close(confirmed)
	}()

	inFundingTxBytes, err := wire.EncodeTx(inFundingTx)
	require.NoError(t, err)
	write(&wire.ProofOfFunding{FundingTxs: [][]byte{inFundingTxBytes}})

	<-confirmed

	upstreamSig, err := contract.SignContractTx(inContractTx, inMultisigScript, incomingAmount, upstreamMultisigPriv)
	require.NoError(t, err)

	write(&wire.ContractSigsForRecvingAndSending{
		RecvingSigs: []wire.SignatureFor{{MultisigScript: inMultisigScript, Signature: upstreamSig}},
		SendingTxs:  []wire.FundingTxSigReq{outInfo},
	})
	recvSend, ok := read().(*wire.RequestContractSigsAsReceiverAndSender)
	require.True(t, ok)
	require.Len(t, recvSend.SendingFundingTxs, 1)

	broadcastTx, err := wire.DecodeTx(recvSend.SendingFundingTxs[0])
	require.NoError(t, err)
	require.Len(t, wallet.Broadcasts, 1)

	outPayScript, err := contract.P2WSH(outMultisigScript)
	require.NoError(t, err)
	var paysHop bool
	for _, out := range broadcastTx.TxOut {
		if out.Value == int64(outgoingAmount) && string(out.PkScript) == string(outPayScript) {
			paysHop = true
		}
	}
	require.True(t, paysHop, "broadcast funding tx must pay the outgoing hop's multisig output")

	write(&wire.HashPreimage{Preimage: preimage})

	handover, ok := read().(*wire.PrivateKeyHandover)
	require.True(t, ok)
	require.Equal(t, outMultisigScript, handover.MultisigScript)

	require.NoError(t, <-serveErr)
}

// mustP2WPKH returns a witness-v0 output script committing to priv, used
// as a placeholder spendable scriptPubKey for a wallet-controlled UTXO;
// fundHop's signing path never inspects the script's internal structure,
// only that it consistently identifies the input being spent.
func mustP2WPKH(t *testing.T, priv *btcec.PrivateKey) []byte {
	t.Helper()
	script, err := contract.P2WSH(priv.PubKey().SerializeCompressed())
	require.NoError(t, err)
	return script
}

// TestMakerRejectsVersionMismatch checks that a Taker advertising a
// disjoint version range is rejected at the Greet step, before any offer
// is exchanged.
func TestMakerRejectsVersionMismatch(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinVersion, cfg.MaxVersion = 2, 2

	m := New(cfg, swapcoin.NewLedger(), walletrpc.NewMemWallet(),
		chainrpc.NewMemChain(100), randPriv(t), 4)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	serveErr := make(chan error, 1)
	go func() { serveErr <- m.ServeConn(context.Background(), serverConn) }()

	require.NoError(t, wire.WriteMessage(clientConn, &wire.TakerHello{MinVersion: 1, MaxVersion: 1}))

	err := <-serveErr
	require.Error(t, err)
}

// TestMakerRejectsFundingOutsideBounds checks that a FundingTxSigReq whose
// amount falls outside the Maker's advertised [MinSize, MaxSize] is
// rejected during AwaitingSendersSigReq.
func TestMakerRejectsFundingOutsideBounds(t *testing.T) {
	t.Parallel()

	tweakPriv := randPriv(t)
	cfg := testConfig()
	cfg.MaxSize = 10_000

	m := New(cfg, swapcoin.NewLedger(), walletrpc.NewMemWallet(),
		chainrpc.NewMemChain(100), tweakPriv, 4)

	var hopTweak [32]byte
	rand.Read(hopTweak[:])
	multisigTweak := contract.RoleTweak(hopTweak, contract.RoleMultisig)
	hashTweak := contract.RoleTweak(hopTweak, contract.RoleContract)
	makerMultisigPub := contract.DeriveHopPubkey(tweakPriv.PubKey(), multisigTweak)
	makerHashPub := contract.DeriveHopPubkey(tweakPriv.PubKey(), hashTweak)

	takerMultisigPriv := randPriv(t)
	takerTimePriv := randPriv(t)

	var hashvalue [contract.Hash160Size]byte
	contractScript, err := contract.BuildContractScript(makerHashPub, takerTimePriv.PubKey(), hashvalue, 20)
	require.NoError(t, err)
	multisigScript, err := contract.BuildMultisigScript(makerMultisigPub, takerMultisigPriv.PubKey())
	require.NoError(t, err)

	const overLimit = btcutil.Amount(1_000_000)
	contractTx, err := contract.BuildContractTx(btcwire.OutPoint{Index: 0}, overLimit, contractScript)
	require.NoError(t, err)
	contractTxBytes, err := wire.EncodeTx(contractTx)
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	serveErr := make(chan error, 1)
	go func() { serveErr <- m.ServeConn(context.Background(), serverConn) }()

	write := func(msg wire.Message) { require.NoError(t, wire.WriteMessage(clientConn, msg)) }
	read := func() wire.Message {
		msg, err := wire.ReadMessage(clientConn)
		require.NoError(t, err)
		return msg
	}

	write(&wire.TakerHello{MinVersion: 1, MaxVersion: 1})
	read()
	write(&wire.GiveOffer{})
	read()

	write(&wire.ReqContractSigsForSender{TxsInfo: []wire.FundingTxSigReq{{
		MultisigScript:       multisigScript,
		ContractRedeemScript: contractScript,
		FundingAmount:        int64(overLimit),
		ContractTx:           contractTxBytes,
		HopTweak:             hopTweak,
	}}})

	err = <-serveErr
	require.Error(t, err)
}
