// Package taker implements the Taker side of the coinswap protocol: the
// coordinator that selects a route of Makers, drives the 6-phase protocol
// across a persistent connection to each one, and hands the resulting
// ledger to the recovery coordinator on any fault. This generalizes the
// routing package's parallel path-probing idiom and discovery/syncer.go's
// per-peer worker fan-out from gossip/pathfinding to a single synchronous,
// phase-barriered multi-peer session.
package taker

import (
	"context"
	"crypto/rand"
	"net"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/go-errors/errors"

	"github.com/lightninglabs/teleport/build"
	"github.com/lightninglabs/teleport/chainrpc"
	"github.com/lightninglabs/teleport/contract"
	"github.com/lightninglabs/teleport/offerbook"
	"github.com/lightninglabs/teleport/recovery"
	"github.com/lightninglabs/teleport/swapcoin"
	"github.com/lightninglabs/teleport/walletrpc"
	"github.com/lightninglabs/teleport/wire"
)

var log btclog.Logger = build.NewSubLogger("TKR", nil)

// UseLogger wires a real backend-derived logger into this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Dialer opens a connection to a Maker's advertised address. Production
// callers satisfy this with net.Dialer (or a Tor/onion-aware dialer);
// tests use an in-memory pipe-backed stub.
type Dialer interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// Config holds the Taker's route-building and protocol timing parameters.
type Config struct {
	// BaseLocktime is locktime_0, the relative-locktime the first hop's
	// (leg 0, Taker -> M_1) contract script carries.
	BaseLocktime int64

	// MinContractReactTime is the minimum locktime step between adjacent
	// hops: locktime_i = locktime_0 - i*MinContractReactTime.
	MinContractReactTime int64

	RequiredConfs uint32

	// StepDeadline bounds every single request/response step with a peer.
	StepDeadline time.Duration
}

// Taker coordinates a coinswap across a chosen route of Makers.
type Taker struct {
	cfg    Config
	wallet walletrpc.Wallet
	chain  chainrpc.Notifier
	ledger *swapcoin.Ledger
	book   *offerbook.Book
	recov  *recovery.Coordinator
}

// New constructs a Taker.
func New(cfg Config, wallet walletrpc.Wallet, chain chainrpc.Notifier,
	ledger *swapcoin.Ledger, book *offerbook.Book) *Taker {

	changeScript := func(sc *swapcoin.Swapcoin) ([]byte, error) {
		return wallet.NewChangeScript(context.Background())
	}

	return &Taker{
		cfg:    cfg,
		wallet: wallet,
		chain:  chain,
		ledger: ledger,
		book:   book,
		recov:  recovery.New(ledger, chainKitAdapter{chain}, changeScript),
	}
}

// chainKitAdapter narrows chainrpc.Notifier to recovery.ChainKit.
type chainKitAdapter struct {
	chainrpc.Notifier
}

// leg is one funding output of the route: the sender funds it, the
// receiver eventually spends it via the hashlock or timelock branch of
// its contract script. For a route of N Makers there are N+1 legs: leg 0
// is Taker -> M_1, leg k (1<=k<=N-1) is M_k -> M_{k+1}, and leg N is
// M_N -> Taker.
type leg struct {
	senderMultisigPub, receiverMultisigPub *btcec.PublicKey
	hashPub, timePub                       *btcec.PublicKey
	amount                                 btcutil.Amount
	locktime                               int64

	multisigScript []byte
	contractScript []byte
	contractTx     *btcwire.MsgTx

	// Set only on the two legs the Taker is itself a party to.
	takerSenderPriv   *btcec.PrivateKey
	takerTimePriv     *btcec.PrivateKey
	takerReceiverPriv *btcec.PrivateKey
	takerHashPriv     *btcec.PrivateKey
}

// fundingTxSigReq builds the wire request describing this leg for the
// party identified by tweak, which must be that party's own per-hop
// tweak for the role (sender or receiver) being addressed.
func (l *leg) fundingTxSigReq(tweak [32]byte) wire.FundingTxSigReq {
	return wire.FundingTxSigReq{
		MultisigScript:       l.multisigScript,
		ContractRedeemScript: l.contractScript,
		FundingAmount:        int64(l.amount),
		ContractTx:           mustEncodeTx(l.contractTx),
		HopTweak:             tweak,
	}
}

// peer is the persistent connection and per-hop key material for one
// Maker in the route.
type peer struct {
	oa   offerbook.OfferAndAddress
	conn net.Conn

	// recvTweak derives this Maker's keys for the hop where it is the
	// receiver; sendTweak derives its keys for the hop where it is the
	// sender of the next hop. Both are generated by the Taker and
	// handed to the Maker once, in the FundingTxSigReq for that role.
	recvTweak [32]byte
	sendTweak [32]byte
}

// RunSwap drives a full coinswap of sendAmount through route, in order
// (route[0] is M_1, route[len(route)-1] is M_N), using preimage as the
// swap's shared secret.
func (t *Taker) RunSwap(ctx context.Context, dialer Dialer,
	route []offerbook.OfferAndAddress, sendAmount btcutil.Amount,
	preimage [32]byte) error {

	if len(route) == 0 {
		return errors.New("taker: empty route")
	}

	legs, peers, err := t.planRoute(route, sendAmount, preimage)
	if err != nil {
		return errors.Wrap(err, 0)
	}

	if err := t.connectAll(ctx, dialer, peers); err != nil {
		return err
	}
	defer func() {
		for _, p := range peers {
			if p.conn != nil {
				p.conn.Close()
			}
		}
	}()

	fundingTouched := false
	if err := t.runSwap(ctx, legs, peers, preimage, &fundingTouched); err != nil {
		if fundingTouched {
			log.Warnf("swap fault after funding broadcast, entering recovery: %v", err)
			if rerr := t.recov.RecoverAll(ctx); rerr != nil {
				log.Errorf("recovery pass failed: %v", rerr)
			}
		}
		for _, p := range peers {
			t.book.MarkBad(p.oa.Address)
		}
		return err
	}

	for _, p := range peers {
		t.book.MarkGood(p.oa.Address)
	}
	return nil
}

// NewPreimage returns a fresh random 32-byte swap preimage.
func NewPreimage() ([32]byte, error) {
	var p [32]byte
	if _, err := rand.Read(p[:]); err != nil {
		return p, errors.Wrap(err, 0)
	}
	return p, nil
}

func newHopTweak() ([32]byte, error) {
	var tw [32]byte
	if _, err := rand.Read(tw[:]); err != nil {
		return tw, errors.Wrap(err, 0)
	}
	return tw, nil
}

// planRoute computes the locktime/amount schedule and the per-leg keys
// and contract/multisig scripts they imply, without touching the
// network.
func (t *Taker) planRoute(route []offerbook.OfferAndAddress,
	sendAmount btcutil.Amount, preimage [32]byte) ([]*leg, []*peer, error) {

	n := len(route)
	peers := make([]*peer, n)
	for i, oa := range route {
		recvTw, err := newHopTweak()
		if err != nil {
			return nil, nil, err
		}
		sendTw, err := newHopTweak()
		if err != nil {
			return nil, nil, err
		}
		peers[i] = &peer{oa: oa, recvTweak: recvTw, sendTweak: sendTw}
	}

	var hashvalue [contract.Hash160Size]byte
	copy(hashvalue[:], btcutil.Hash160(preimage[:]))

	amounts := make([]btcutil.Amount, n+1)
	locktimes := make([]int64, n+1)
	amounts[0] = sendAmount
	locktimes[0] = t.cfg.BaseLocktime
	for i := 1; i <= n; i++ {
		fee := feeFor(route[i-1].Offer, amounts[i-1])
		amounts[i] = amounts[i-1] - fee
		if amounts[i] <= 0 {
			return nil, nil, errors.New("taker: route fees exceed send amount")
		}
		locktimes[i] = t.cfg.BaseLocktime - int64(i)*t.cfg.MinContractReactTime
	}
	if locktimes[n] <= 0 {
		return nil, nil, errors.New("taker: route too long for base locktime")
	}

	legs := make([]*leg, n+1)
	for k := 0; k <= n; k++ {
		l := &leg{amount: amounts[k], locktime: locktimes[k]}

		switch {
		case k == 0:
			priv, err := t.wallet.DeriveKey(context.Background())
			if err != nil {
				return nil, nil, errors.Wrap(err, 0)
			}
			timePriv, err := t.wallet.DeriveKey(context.Background())
			if err != nil {
				return nil, nil, errors.Wrap(err, 0)
			}
			l.takerSenderPriv = priv
			l.takerTimePriv = timePriv
			l.senderMultisigPub = priv.PubKey()
			l.timePub = timePriv.PubKey()
		default:
			p := peers[k-1]
			multisigTweak := contract.RoleTweak(p.sendTweak, contract.RoleMultisig)
			timeTweak := contract.RoleTweak(p.sendTweak, contract.RoleContract)
			tweakPub, err := p.oa.TweakablePubkey()
			if err != nil {
				return nil, nil, errors.Wrap(err, 0)
			}
			l.senderMultisigPub = contract.DeriveHopPubkey(tweakPub, multisigTweak)
			l.timePub = contract.DeriveHopPubkey(tweakPub, timeTweak)
		}

		switch {
		case k == n:
			priv, err := t.wallet.DeriveKey(context.Background())
			if err != nil {
				return nil, nil, errors.Wrap(err, 0)
			}
			hashPriv, err := t.wallet.DeriveKey(context.Background())
			if err != nil {
				return nil, nil, errors.Wrap(err, 0)
			}
			l.takerReceiverPriv = priv
			l.takerHashPriv = hashPriv
			l.receiverMultisigPub = priv.PubKey()
			l.hashPub = hashPriv.PubKey()
		default:
			p := peers[k]
			multisigTweak := contract.RoleTweak(p.recvTweak, contract.RoleMultisig)
			hashTweak := contract.RoleTweak(p.recvTweak, contract.RoleContract)
			tweakPub, err := p.oa.TweakablePubkey()
			if err != nil {
				return nil, nil, errors.Wrap(err, 0)
			}
			l.receiverMultisigPub = contract.DeriveHopPubkey(tweakPub, multisigTweak)
			l.hashPub = contract.DeriveHopPubkey(tweakPub, hashTweak)
		}

		multisigScript, err := contract.BuildMultisigScript(l.senderMultisigPub, l.receiverMultisigPub)
		if err != nil {
			return nil, nil, errors.Wrap(err, 0)
		}
		contractScript, err := contract.BuildContractScript(l.hashPub, l.timePub, hashvalue, l.locktime)
		if err != nil {
			return nil, nil, errors.Wrap(err, 0)
		}
		contractTx, err := contract.BuildContractTx(btcwire.OutPoint{}, l.amount, contractScript)
		if err != nil {
			return nil, nil, errors.Wrap(err, 0)
		}
		l.multisigScript = multisigScript
		l.contractScript = contractScript
		l.contractTx = contractTx
		legs[k] = l
	}

	return legs, peers, nil
}

// feeFor computes a Maker's forwarding fee on amount from the Offer's base
// and amount-relative terms of maker.Config.Fee's model (kept in sync here
// rather than imported, to avoid a dependency cycle between maker and
// taker). The Offer carries no time-relative rate, so Config.Fee's
// locktime term is not included.
func feeFor(offer wire.Offer, amount btcutil.Amount) btcutil.Amount {
	return btcutil.Amount(offer.BaseFee) + btcutil.Amount(float64(amount)*offer.AmountRelativeFee)
}

// connectAll dials every peer in the route and exchanges the version and
// offer handshake, failing closed if any Maker's version range doesn't
// overlap.
func (t *Taker) connectAll(ctx context.Context, dialer Dialer, peers []*peer) error {
	for i, p := range peers {
		conn, err := dialer.Dial(ctx, p.oa.Address)
		if err != nil {
			for _, done := range peers[:i] {
				done.conn.Close()
			}
			return errors.Wrap(err, 0)
		}
		p.conn = conn

		if err := t.writeMsg(conn, &wire.TakerHello{MinVersion: 1, MaxVersion: 1}); err != nil {
			return err
		}
		helloMsg, err := t.readMsg(conn)
		if err != nil {
			return err
		}
		if _, ok := helloMsg.(*wire.MakerHello); !ok {
			return errors.New("taker: expected makerhello")
		}

		if err := t.writeMsg(conn, &wire.GiveOffer{}); err != nil {
			return err
		}
		offerMsg, err := t.readMsg(conn)
		if err != nil {
			return err
		}
		if _, ok := offerMsg.(*wire.Offer); !ok {
			return errors.New("taker: expected offer")
		}
	}
	return nil
}

func (t *Taker) readMsg(conn net.Conn) (wire.Message, error) {
	conn.SetReadDeadline(time.Now().Add(t.cfg.StepDeadline))
	msg, err := wire.ReadMessage(conn)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return msg, nil
}

func (t *Taker) writeMsg(conn net.Conn, msg wire.Message) error {
	conn.SetWriteDeadline(time.Now().Add(t.cfg.StepDeadline))
	if err := wire.WriteMessage(conn, msg); err != nil {
		return errors.Wrap(err, 0)
	}
	return nil
}

// runSwap drives the protocol once every peer is connected and has
// returned its Offer: Phase 1 collects every Maker's receiver-role
// signature up front, Phase 2 funds leg 0 from the Taker's own wallet,
// Phase 3 walks the chain hop by hop, and Phase 4 propagates the
// preimage and collects whatever sender-role key comes back.
func (t *Taker) runSwap(ctx context.Context, legs []*leg, peers []*peer,
	preimage [32]byte, fundingTouched *bool) error {

	n := len(peers)

	// Phase 1: every Maker commits to its incoming leg before any funds
	// move, by signing as receiver.
	for i := 0; i < n; i++ {
		req := legs[i].fundingTxSigReq(peers[i].recvTweak)
		if err := t.writeMsg(peers[i].conn, &wire.ReqContractSigsForSender{
			TxsInfo: []wire.FundingTxSigReq{req},
		}); err != nil {
			return err
		}
		msg, err := t.readMsg(peers[i].conn)
		if err != nil {
			return err
		}
		sigsMsg, ok := msg.(*wire.ContractSigsForSender)
		if !ok || len(sigsMsg.Sigs) != 1 {
			return errors.New("taker: expected contractsigsforsender with one signature")
		}
		if err := contract.VerifyContractTxSig(
			legs[i].contractTx, legs[i].multisigScript, legs[i].amount,
			legs[i].receiverMultisigPub, sigsMsg.Sigs[0].Signature,
		); err != nil {
			return errors.Wrap(err, 0)
		}
	}

	// Phase 2: fund leg 0 from the Taker's own wallet.
	fundingTxs := make([]*btcwire.MsgTx, n+1)
	fundingTx0, err := t.fundLeg(ctx, legs[0])
	if err != nil {
		return err
	}
	*fundingTouched = true
	fundingTxs[0] = fundingTx0

	outpoint0, amt0, err := contract.FundingOutpointFor(fundingTx0, legs[0].multisigScript)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	sc0, err := swapcoin.NewOutgoing(
		legs[0].takerSenderPriv, legs[0].receiverMultisigPub,
		outpoint0, amt0, legs[0].contractTx, legs[0].contractScript,
		legs[0].takerTimePriv,
	)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	t.ledger.Insert(sc0)

	senderSig, err := contract.SignContractTx(
		legs[0].contractTx, legs[0].multisigScript, legs[0].amount, legs[0].takerSenderPriv,
	)
	if err != nil {
		return errors.Wrap(err, 0)
	}

	// Phase 3: walk the chain. Peer i (0-indexed) is M_{i+1}; it is the
	// receiver of leg i and the sender of leg i+1 (every peer has
	// exactly one outgoing leg, since i+1 ranges over 1..n).
	for i := 0; i < n; i++ {
		p := peers[i]

		outpoint, _, err := contract.FundingOutpointFor(fundingTxs[i], legs[i].multisigScript)
		if err != nil {
			return errors.Wrap(err, 0)
		}
		pkScript, err := contract.P2WSH(legs[i].multisigScript)
		if err != nil {
			return errors.Wrap(err, 0)
		}
		confCh, err := t.chain.RegisterConfirmationsNtfn(ctx, outpoint, pkScript, t.cfg.RequiredConfs)
		if err != nil {
			return errors.Wrap(err, 0)
		}
		select {
		case <-confCh:
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := t.writeMsg(p.conn, &wire.ProofOfFunding{
			FundingTxs: [][]byte{mustEncodeTx(fundingTxs[i])},
		}); err != nil {
			return err
		}

		nextInfo := legs[i+1].fundingTxSigReq(p.sendTweak)

		if err := t.writeMsg(p.conn, &wire.ContractSigsForRecvingAndSending{
			RecvingSigs: []wire.SignatureFor{{
				MultisigScript: legs[i].multisigScript, Signature: senderSig,
			}},
			SendingTxs: []wire.FundingTxSigReq{nextInfo},
		}); err != nil {
			return err
		}

		respMsg, err := t.readMsg(p.conn)
		if err != nil {
			return err
		}
		resp, ok := respMsg.(*wire.RequestContractSigsAsReceiverAndSender)
		if !ok || len(resp.RecvingSigs) != 1 || len(resp.SendingFundingTxs) != 1 {
			return errors.New("taker: incomplete response to a walk-the-chain request")
		}

		if err := contract.VerifyContractTxSig(
			legs[i+1].contractTx, legs[i+1].multisigScript, legs[i+1].amount,
			legs[i+1].senderMultisigPub, resp.RecvingSigs[0].Signature,
		); err != nil {
			return errors.Wrap(err, 0)
		}
		senderSig = resp.RecvingSigs[0].Signature

		fundingTxs[i+1] = mustDecodeTx(resp.SendingFundingTxs[0])
		*fundingTouched = true

		outpointNext, amtNext, err := contract.FundingOutpointFor(fundingTxs[i+1], legs[i+1].multisigScript)
		if err != nil {
			return errors.Wrap(err, 0)
		}

		if i+1 == n {
			sc, err := swapcoin.NewIncoming(
				legs[n].takerReceiverPriv, legs[n].senderMultisigPub,
				outpointNext, amtNext, legs[n].contractTx, legs[n].contractScript,
				legs[n].takerHashPriv,
			)
			if err != nil {
				return errors.Wrap(err, 0)
			}
			sc.Preimage = &preimage
			t.ledger.Insert(sc)
		} else {
			sc, err := swapcoin.NewWatchOnly(
				legs[i+1].senderMultisigPub, legs[i+1].receiverMultisigPub,
				outpointNext, amtNext, legs[i+1].contractTx, legs[i+1].contractScript,
			)
			if err != nil {
				return errors.Wrap(err, 0)
			}
			t.ledger.Insert(sc)
		}
	}

	// Final leg must also confirm before the preimage is released.
	finalOutpoint, _, err := contract.FundingOutpointFor(fundingTxs[n], legs[n].multisigScript)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	finalPkScript, err := contract.P2WSH(legs[n].multisigScript)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	finalConfCh, err := t.chain.RegisterConfirmationsNtfn(ctx, finalOutpoint, finalPkScript, t.cfg.RequiredConfs)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	select {
	case <-finalConfCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Phase 4: propagate the preimage down each connection and collect
	// whatever sender-role key comes back, applying it to the ledger
	// where applicable.
	for i := n - 1; i >= 0; i-- {
		if err := t.writeMsg(peers[i].conn, &wire.HashPreimage{Preimage: preimage}); err != nil {
			return err
		}
		handoverMsg, err := t.readMsg(peers[i].conn)
		if err != nil {
			return err
		}
		handover, ok := handoverMsg.(*wire.PrivateKeyHandover)
		if !ok {
			return errors.New("taker: expected privatekeyhandover")
		}
		priv, _ := btcec.PrivKeyFromBytes(handover.Privkey)
		if err := t.ledger.ApplyPrivkey(handover.MultisigScript, priv); err != nil {
			log.Debugf("handover from peer %d not applicable: %v", i, err)
		}
	}

	return nil
}

// fundLeg selects UTXOs from the Taker's own wallet, builds a
// transaction paying l.amount to its multisig P2WSH output plus change,
// signs every input, and broadcasts it. Grounded on maker.fundHop, which
// a Maker runs against its own wallet for exactly the same purpose.
func (t *Taker) fundLeg(ctx context.Context, l *leg) (*btcwire.MsgTx, error) {
	selected, total, err := t.wallet.SelectUTXOs(ctx, l.amount+contract.FixedContractFee)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}

	payScript, err := contract.P2WSH(l.multisigScript)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}

	tx := btcwire.NewMsgTx(2)
	for _, u := range selected {
		tx.AddTxIn(btcwire.NewTxIn(&u.OutPoint, nil, nil))
	}
	tx.AddTxOut(btcwire.NewTxOut(int64(l.amount), payScript))

	if change := total - l.amount - contract.FixedContractFee; change > 0 {
		changeScript, err := t.wallet.NewChangeScript(ctx)
		if err != nil {
			return nil, errors.Wrap(err, 0)
		}
		if !txrules.IsDustAmount(change, len(changeScript), txrules.DefaultRelayFeePerKb) {
			tx.AddTxOut(btcwire.NewTxOut(int64(change), changeScript))
		}
	}

	for i, u := range selected {
		witness, err := t.wallet.SignInput(ctx, tx, i, u.PkScript, u.Value, u.Privkey)
		if err != nil {
			return nil, errors.Wrap(err, 0)
		}
		tx.TxIn[i].Witness = [][]byte{witness}
	}

	if err := t.wallet.Broadcast(ctx, tx); err != nil {
		return nil, errors.Wrap(err, 0)
	}

	return tx, nil
}

func mustEncodeTx(tx *btcwire.MsgTx) []byte {
	raw, err := wire.EncodeTx(tx)
	if err != nil {
		panic(err)
	}
	return raw
}

func mustDecodeTx(raw []byte) *btcwire.MsgTx {
	tx, err := wire.DecodeTx(raw)
	if err != nil {
		panic(err)
	}
	return tx
}
