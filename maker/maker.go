// Package maker implements the Maker side of the coinswap protocol: one
// listener loop accepting connections, and a bounded pool of per-connection
// workers each driving the state machine of spec §4.4 to completion. This
// generalizes htlcswitch's per-link goroutine model and daemon/server.go's
// accept-loop-plus-worker-pool structure from long-lived channel peers to
// short-lived, single-swap coinswap sessions.
package maker

import (
	"context"
	"net"
	"sync"
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
	"github.com/lightninglabs/teleport/recovery"
	"github.com/lightninglabs/teleport/swapcoin"
	"github.com/lightninglabs/teleport/tprpc"
	"github.com/lightninglabs/teleport/walletrpc"
	"github.com/lightninglabs/teleport/wire"
)

var log btclog.Logger = build.NewSubLogger("MKR", nil)

// UseLogger wires a real backend-derived logger into this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Config holds a Maker's advertised terms and protocol timing (spec §4.4,
// §6.5).
type Config struct {
	MinSize, MaxSize btcutil.Amount

	// BaseFee and the two ppb rates make up the fee model:
	// fee = BaseFee + funding_amount*AmountFeePPB/1e9 + locktime*TimeFeePPB/1e9.
	BaseFee     btcutil.Amount
	AmountFeePPB int64
	TimeFeePPB   int64

	MinLocktime   int64
	RequiredConfs uint32

	MinVersion, MaxVersion uint32

	// StepDeadline bounds every single request/response step of the
	// state machine (config.DefaultMakerConfig uses 5 min; this module's
	// tests use 5 s).
	StepDeadline time.Duration

	FidelityProof tprpc.FidelityProof
}

// Fee computes the hop fee of §4.4's fee model. The session code does not
// call it: the Taker deducts the fee when it sets each hop's amount, and no
// request is checked against it here.
func (c Config) Fee(fundingAmount btcutil.Amount, locktimeBlocks int64) btcutil.Amount {
	amtFee := int64(fundingAmount) * c.AmountFeePPB / 1_000_000_000
	timeFee := locktimeBlocks * c.TimeFeePPB / 1_000_000_000
	return c.BaseFee + btcutil.Amount(amtFee) + btcutil.Amount(timeFee)
}

// Maker serves coinswap hops to connecting Takers (or upstream Makers
// acting as a Taker-equivalent during Phase 2 of §4.5).
type Maker struct {
	cfg Config

	ledger *swapcoin.Ledger
	wallet walletrpc.Wallet
	chain  chainrpc.Notifier
	recov  *recovery.Coordinator

	// tweakPrivkey is the long-lived key behind Offer.TweakablePoint;
	// every hop's multisig and contract keys are derived from it via
	// contract.DeriveHopPrivkey/RoleTweak so no round trip is needed to
	// agree on per-hop keys (spec §4.4 fidelity bond section).
	tweakPrivkey *btcec.PrivateKey

	sem chan struct{}
	wg  sync.WaitGroup
}

// New constructs a Maker. maxWorkers bounds the number of concurrent
// per-connection sessions.
func New(cfg Config, ledger *swapcoin.Ledger, wallet walletrpc.Wallet,
	chain chainrpc.Notifier, tweakPrivkey *btcec.PrivateKey, maxWorkers int) *Maker {

	if maxWorkers <= 0 {
		maxWorkers = 16
	}

	changeScript := func(sc *swapcoin.Swapcoin) ([]byte, error) {
		return wallet.NewChangeScript(context.Background())
	}

	return &Maker{
		cfg:          cfg,
		ledger:       ledger,
		wallet:       wallet,
		chain:        chain,
		recov:        recovery.New(ledger, chainKitAdapter{chain}, changeScript),
		tweakPrivkey: tweakPrivkey,
		sem:          make(chan struct{}, maxWorkers),
	}
}

// chainKitAdapter narrows chainrpc.Notifier to recovery.ChainKit.
type chainKitAdapter struct {
	chainrpc.Notifier
}

// Serve runs the accept loop until ctx is cancelled or ln is closed. Each
// accepted connection is handed to a bounded worker; once maxWorkers
// sessions are in flight, Accept keeps pulling connections off the socket
// (so well-behaved peers aren't refused at the TCP level) but the extra
// workers block until a slot frees up, naturally back-pressuring abusive
// callers.
func (m *Maker) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				m.wg.Wait()
				return nil
			default:
				return errors.Wrap(err, 0)
			}
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()

			m.sem <- struct{}{}
			defer func() { <-m.sem }()

			if err := m.ServeConn(ctx, conn); err != nil {
				log.Errorf("session with %s ended: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// Wait blocks until every in-flight session has returned, for use after
// Serve has returned on shutdown.
func (m *Maker) Wait() {
	m.wg.Wait()
}

func (m *Maker) readMsg(conn net.Conn) (wire.Message, error) {
	conn.SetReadDeadline(time.Now().Add(m.cfg.StepDeadline))
	msg, err := wire.ReadMessage(conn)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return msg, nil
}

func (m *Maker) writeMsg(conn net.Conn, msg wire.Message) error {
	conn.SetWriteDeadline(time.Now().Add(m.cfg.StepDeadline))
	if err := wire.WriteMessage(conn, msg); err != nil {
		return errors.Wrap(err, 0)
	}
	return nil
}

// hopState is the signing context this Maker remembers between signing a
// hop's contract tx (AwaitingSendersSigReq/AwaitingRecvAndSendSig) and
// learning that hop's funding tx has confirmed (AwaitingFunding): it is
// looked up by the hop's multisig script once the funding tx is known.
type hopState struct {
	ownMultisigPrivkey   *btcec.PrivateKey
	otherMultisigPubkey  *btcec.PublicKey
	contractRedeemScript []byte
	contractTx           []byte
	fundingAmount        btcutil.Amount
	asReceiver           bool // true if this Maker is the hop's receiver
	hashlockPrivkey      *btcec.PrivateKey // set only when asReceiver
	timelockPrivkey      *btcec.PrivateKey // set only when !asReceiver
}

// ServeConn drives a single connection through the full §4.4 state
// machine: Greet, Offered, AwaitingSendersSigReq, SentSendersSig,
// AwaitingFunding, AwaitingRecvAndSendSig, SentRecvAndSendSig,
// AwaitingPreimage, SentFinalPrivkey, Done. Any failure past the point a
// funding tx may have been broadcast triggers the recovery coordinator
// rather than simply returning an error (§4.4 "Recovering").
func (m *Maker) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	fundingTouched := false
	err := m.runSession(ctx, conn, &fundingTouched)
	if err != nil && fundingTouched {
		log.Warnf("session fault after funding broadcast, entering recovery: %v", err)
		if rerr := m.recov.RecoverAll(ctx); rerr != nil {
			log.Errorf("recovery pass failed: %v", rerr)
		}
	}
	return err
}

func (m *Maker) runSession(ctx context.Context, conn net.Conn, fundingTouched *bool) error {
	// Greet.
	helloMsg, err := m.readMsg(conn)
	if err != nil {
		return err
	}
	hello, ok := helloMsg.(*wire.TakerHello)
	if !ok {
		return errors.New("maker: expected takerhello")
	}
	if hello.MinVersion > m.cfg.MaxVersion || hello.MaxVersion < m.cfg.MinVersion {
		return errors.New("maker: no overlapping protocol version range")
	}
	if err := m.writeMsg(conn, &wire.MakerHello{
		MinVersion: m.cfg.MinVersion, MaxVersion: m.cfg.MaxVersion,
	}); err != nil {
		return err
	}

	// Offered.
	offerMsg, err := m.readMsg(conn)
	if err != nil {
		return err
	}
	if _, ok := offerMsg.(*wire.GiveOffer); !ok {
		return errors.New("maker: expected giveoffer")
	}
	if err := m.writeMsg(conn, m.buildOffer()); err != nil {
		return err
	}

	// AwaitingSendersSigReq / SentSendersSig.
	reqMsg, err := m.readMsg(conn)
	if err != nil {
		return err
	}
	req, ok := reqMsg.(*wire.ReqContractSigsForSender)
	if !ok {
		return errors.New("maker: expected reqcontractsigsforsender")
	}

	hops := make(map[string]*hopState)
	sigs := make([]wire.SignatureFor, 0, len(req.TxsInfo))
	for _, info := range req.TxsInfo {
		state, sig, err := m.signAsReceiver(info)
		if err != nil {
			return err
		}
		hops[string(info.MultisigScript)] = state
		sigs = append(sigs, wire.SignatureFor{
			MultisigScript: info.MultisigScript, Signature: sig,
		})
	}
	if err := m.writeMsg(conn, &wire.ContractSigsForSender{Sigs: sigs}); err != nil {
		return err
	}

	// AwaitingFunding: wait for every hop's funding tx to confirm.
	proofMsg, err := m.readMsg(conn)
	if err != nil {
		return err
	}
	proof, ok := proofMsg.(*wire.ProofOfFunding)
	if !ok {
		return errors.New("maker: expected proofoffunding")
	}
	*fundingTouched = true

	if err := m.waitForFunding(ctx, hops, proof.FundingTxs); err != nil {
		return err
	}

	// AwaitingRecvAndSendSig / SentRecvAndSendSig: this Maker both
	// finishes signing its incoming hop as receiver (already done above)
	// and, if it has a next hop to forward to, signs as sender of the
	// next hop and requests the next party's signature in turn. The full
	// multi-peer fan-out to the next Maker is driven by the caller
	// (Taker or an upstream Maker acting in that role); from this
	// Maker's point of view it only needs to hand back its receiving
	// signatures and its own sending requests.
	recvSendMsg, err := m.readMsg(conn)
	if err != nil {
		return err
	}
	recvSend, ok := recvSendMsg.(*wire.ContractSigsForRecvingAndSending)
	if !ok {
		return errors.New("maker: expected contractsigsforrecvingandsending")
	}
	for _, sig := range recvSend.RecvingSigs {
		state, ok := hops[string(sig.MultisigScript)]
		if !ok {
			return errors.New("maker: signature for unknown hop")
		}
		tx, err := wire.DecodeTx(state.contractTx)
		if err != nil {
			return errors.Wrap(err, 0)
		}
		if err := contract.VerifyContractTxSig(
			tx, sig.MultisigScript,
			state.fundingAmount, state.otherMultisigPubkey, sig.Signature,
		); err != nil {
			return errors.Wrap(err, 0)
		}
	}

	sendingSigs := make([]wire.SignatureFor, 0, len(recvSend.SendingTxs))
	sendingFundingTxs := make([][]byte, 0, len(recvSend.SendingTxs))
	for _, info := range recvSend.SendingTxs {
		state, sig, err := m.signAsSender(info)
		if err != nil {
			return err
		}
		hops[string(info.MultisigScript)] = state
		sendingSigs = append(sendingSigs, wire.SignatureFor{
			MultisigScript: info.MultisigScript, Signature: sig,
		})

		fundingTxBytes, err := m.fundHop(ctx, info.MultisigScript, state.fundingAmount)
		if err != nil {
			return err
		}
		*fundingTouched = true
		sendingFundingTxs = append(sendingFundingTxs, fundingTxBytes)
	}
	if err := m.writeMsg(conn, &wire.RequestContractSigsAsReceiverAndSender{
		RecvingSigs:       sendingSigs,
		SendingFundingTxs: sendingFundingTxs,
	}); err != nil {
		return err
	}

	// AwaitingPreimage / SentFinalPrivkey.
	preimageMsg, err := m.readMsg(conn)
	if err != nil {
		return err
	}
	preimage, ok := preimageMsg.(*wire.HashPreimage)
	if !ok {
		return errors.New("maker: expected hashpreimage")
	}

	for key, state := range hops {
		if !state.asReceiver {
			continue
		}
		sc, err := m.ledger.Find([]byte(key))
		if err == nil {
			sc.Preimage = &preimage.Preimage
		}
	}

	for key, state := range hops {
		if state.asReceiver {
			continue
		}
		if err := m.writeMsg(conn, &wire.PrivateKeyHandover{
			MultisigScript: []byte(key),
			Privkey:        state.ownMultisigPrivkey.Serialize(),
		}); err != nil {
			return err
		}
	}

	return nil
}

func (m *Maker) buildOffer() *wire.Offer {
	return &wire.Offer{
		MinSize:           int64(m.cfg.MinSize),
		MaxSize:           int64(m.cfg.MaxSize),
		BaseFee:           int64(m.cfg.BaseFee),
		AmountRelativeFee: float64(m.cfg.AmountFeePPB) / 1e9,
		TweakablePoint:    m.tweakPrivkey.PubKey().SerializeCompressed(),
		FidelityProof:     m.cfg.FidelityProof,
	}
}

// signAsReceiver handles one FundingTxSigReq where this Maker is the
// hop's receiver: it derives its half of the multisig and hashlock keys
// from the carried HopTweak, validates the request against the size and
// locktime bounds (no fee is checked), and co-signs the contract transaction.
func (m *Maker) signAsReceiver(info wire.FundingTxSigReq) (*hopState, []byte, error) {
	amount := btcutil.Amount(info.FundingAmount)
	if amount < m.cfg.MinSize || amount > m.cfg.MaxSize {
		return nil, nil, errors.New("maker: funding amount outside offered bounds")
	}

	parsed, err := contract.ParseContract(info.ContractRedeemScript)
	if err != nil {
		return nil, nil, errors.Wrap(err, 0)
	}
	if parsed.Locktime < m.cfg.MinLocktime {
		return nil, nil, errors.New("maker: locktime below minimum")
	}

	multisigTweak := contract.RoleTweak(info.HopTweak, contract.RoleMultisig)
	hashTweak := contract.RoleTweak(info.HopTweak, contract.RoleContract)

	ownMultisigPrivkey := contract.DeriveHopPrivkey(m.tweakPrivkey, multisigTweak)
	hashlockPrivkey := contract.DeriveHopPrivkey(m.tweakPrivkey, hashTweak)

	if !hashlockPrivkey.PubKey().IsEqual(parsed.HashPubkey) {
		return nil, nil, errors.New("maker: contract script hash pubkey does not match derived key")
	}

	pkLo, pkHi, err := contract.ParseMultisigScript(info.MultisigScript)
	if err != nil {
		return nil, nil, errors.Wrap(err, 0)
	}
	otherPubkey := otherOf(ownMultisigPrivkey.PubKey(), pkLo, pkHi)
	if otherPubkey == nil {
		return nil, nil, errors.New("maker: own pubkey absent from multisig script")
	}

	tx, err := wire.DecodeTx(info.ContractTx)
	if err != nil {
		return nil, nil, errors.Wrap(err, 0)
	}
	if err := contract.ValidateContractTx(tx, nil, info.ContractRedeemScript); err != nil {
		return nil, nil, errors.Wrap(err, 0)
	}

	sig, err := contract.SignContractTx(tx, info.MultisigScript, amount, ownMultisigPrivkey)
	if err != nil {
		return nil, nil, errors.Wrap(err, 0)
	}

	return &hopState{
		ownMultisigPrivkey:   ownMultisigPrivkey,
		otherMultisigPubkey:  otherPubkey,
		contractRedeemScript: info.ContractRedeemScript,
		contractTx:           info.ContractTx,
		fundingAmount:        amount,
		asReceiver:           true,
		hashlockPrivkey:      hashlockPrivkey,
	}, sig, nil
}

// signAsSender is the mirror of signAsReceiver for a hop where this Maker
// is forwarding funds onward and holds the timelock reclaim path.
func (m *Maker) signAsSender(info wire.FundingTxSigReq) (*hopState, []byte, error) {
	amount := btcutil.Amount(info.FundingAmount)

	multisigTweak := contract.RoleTweak(info.HopTweak, contract.RoleMultisig)
	timeTweak := contract.RoleTweak(info.HopTweak, contract.RoleContract)

	ownMultisigPrivkey := contract.DeriveHopPrivkey(m.tweakPrivkey, multisigTweak)
	timelockPrivkey := contract.DeriveHopPrivkey(m.tweakPrivkey, timeTweak)

	parsed, err := contract.ParseContract(info.ContractRedeemScript)
	if err != nil {
		return nil, nil, errors.Wrap(err, 0)
	}
	if !timelockPrivkey.PubKey().IsEqual(parsed.TimePubkey) {
		return nil, nil, errors.New("maker: contract script time pubkey does not match derived key")
	}

	pkLo, pkHi, err := contract.ParseMultisigScript(info.MultisigScript)
	if err != nil {
		return nil, nil, errors.Wrap(err, 0)
	}
	otherPubkey := otherOf(ownMultisigPrivkey.PubKey(), pkLo, pkHi)
	if otherPubkey == nil {
		return nil, nil, errors.New("maker: own pubkey absent from multisig script")
	}

	tx, err := wire.DecodeTx(info.ContractTx)
	if err != nil {
		return nil, nil, errors.Wrap(err, 0)
	}
	sig, err := contract.SignContractTx(tx, info.MultisigScript, amount, ownMultisigPrivkey)
	if err != nil {
		return nil, nil, errors.Wrap(err, 0)
	}

	return &hopState{
		ownMultisigPrivkey:   ownMultisigPrivkey,
		otherMultisigPubkey:  otherPubkey,
		contractRedeemScript: info.ContractRedeemScript,
		contractTx:           info.ContractTx,
		fundingAmount:        amount,
		asReceiver:           false,
		timelockPrivkey:      timelockPrivkey,
	}, sig, nil
}

// fundHop selects UTXOs from this Maker's own wallet, builds a transaction
// paying amount to multisigScript's P2WSH output plus a change output, signs
// every input, and broadcasts it. This Maker funds its own forwarded hop; it
// is never handed a pre-built funding tx for a hop where it is the sender.
func (m *Maker) fundHop(ctx context.Context, multisigScript []byte, amount btcutil.Amount) ([]byte, error) {
	selected, total, err := m.wallet.SelectUTXOs(ctx, amount+contract.FixedContractFee)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}

	payScript, err := contract.P2WSH(multisigScript)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}

	tx := btcwire.NewMsgTx(2)
	for _, u := range selected {
		tx.AddTxIn(btcwire.NewTxIn(&u.OutPoint, nil, nil))
	}
	tx.AddTxOut(btcwire.NewTxOut(int64(amount), payScript))

	if change := total - amount - contract.FixedContractFee; change > 0 {
		changeScript, err := m.wallet.NewChangeScript(ctx)
		if err != nil {
			return nil, errors.Wrap(err, 0)
		}
		if !txrules.IsDustAmount(change, len(changeScript), txrules.DefaultRelayFeePerKb) {
			tx.AddTxOut(btcwire.NewTxOut(int64(change), changeScript))
		}
	}

	for i, u := range selected {
		witness, err := m.wallet.SignInput(ctx, tx, i, u.PkScript, u.Value, u.Privkey)
		if err != nil {
			return nil, errors.Wrap(err, 0)
		}
		tx.TxIn[i].Witness = [][]byte{witness}
	}

	if err := m.wallet.Broadcast(ctx, tx); err != nil {
		return nil, errors.Wrap(err, 0)
	}

	raw, err := wire.EncodeTx(tx)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return raw, nil
}

// waitForFunding blocks until every multisig script in hops has a
// confirmed funding output among fundingTxs, inserting the corresponding
// Incoming or Outgoing swapcoin into the ledger as each one confirms.
func (m *Maker) waitForFunding(ctx context.Context, hops map[string]*hopState, fundingTxs [][]byte) error {
	for key, state := range hops {
		fundingTx := findFundingTx(fundingTxs, []byte(key))
		if fundingTx == nil {
			return errors.New("maker: no funding tx supplied for a signed hop")
		}

		parsedFundingTx, err := wire.DecodeTx(fundingTx)
		if err != nil {
			return errors.Wrap(err, 0)
		}
		outpoint, amount, err := contract.FundingOutpointFor(parsedFundingTx, []byte(key))
		if err != nil {
			return errors.Wrap(err, 0)
		}

		pkScript, err := contract.P2WSH([]byte(key))
		if err != nil {
			return errors.Wrap(err, 0)
		}

		confCh, err := m.chain.RegisterConfirmationsNtfn(ctx, outpoint, pkScript, m.cfg.RequiredConfs)
		if err != nil {
			return errors.Wrap(err, 0)
		}

		select {
		case <-confCh:
		case <-ctx.Done():
			return ctx.Err()
		}

		contractTx, err := wire.DecodeTx(state.contractTx)
		if err != nil {
			return errors.Wrap(err, 0)
		}
		var sc *swapcoin.Swapcoin
		if state.asReceiver {
			sc, err = swapcoin.NewIncoming(
				state.ownMultisigPrivkey, state.otherMultisigPubkey,
				outpoint, amount, contractTx, state.contractRedeemScript,
				state.hashlockPrivkey,
			)
		} else {
			sc, err = swapcoin.NewOutgoing(
				state.ownMultisigPrivkey, state.otherMultisigPubkey,
				outpoint, amount, contractTx, state.contractRedeemScript,
				state.timelockPrivkey,
			)
		}
		if err != nil {
			return errors.Wrap(err, 0)
		}
		m.ledger.Insert(sc)
	}
	return nil
}

func findFundingTx(fundingTxs [][]byte, multisigScript []byte) []byte {
	wantScript, err := contract.P2WSH(multisigScript)
	if err != nil {
		return nil
	}
	for _, raw := range fundingTxs {
		tx, err := wire.DecodeTx(raw)
		if err != nil {
			continue
		}
		for _, out := range tx.TxOut {
			if string(out.PkScript) == string(wantScript) {
				return raw
			}
		}
	}
	return nil
}

func otherOf(own *btcec.PublicKey, pkLo, pkHi *btcec.PublicKey) *btcec.PublicKey {
	switch {
	case own.IsEqual(pkLo):
		return pkHi
	case own.IsEqual(pkHi):
		return pkLo
	default:
		return nil
	}
}
