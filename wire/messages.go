package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Message is implemented by every Taker<->Maker wire message. Method
// returns the lowercase tag used as the envelope's "method" key (§4.4).
type Message interface {
	Method() string
}

// rawEnvelope is the wire shape: a method tag plus its still-encoded
// payload, so decodeEnvelope can dispatch on Method before unmarshalling
// the concrete struct.
type rawEnvelope struct {
	Method  string          `cbor:"method"`
	Payload cbor.RawMessage `cbor:"payload"`
}

func encodeEnvelope(msg Message) (rawEnvelope, error) {
	payload, err := ccborEncMode.Marshal(msg)
	if err != nil {
		return rawEnvelope{}, fmt.Errorf("wire: encode payload for %s: %w", msg.Method(), err)
	}
	return rawEnvelope{Method: msg.Method(), Payload: payload}, nil
}

func decodeEnvelope(env rawEnvelope) (Message, error) {
	factory, ok := messageFactories[env.Method]
	if !ok {
		return nil, fmt.Errorf("wire: unknown method %q", env.Method)
	}

	msg := factory()
	if err := cbor.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("wire: decode payload for %s: %w", env.Method, err)
	}
	return msg, nil
}

var messageFactories = map[string]func() Message{
	"takerhello":                        func() Message { return new(TakerHello) },
	"giveoffer":                         func() Message { return new(GiveOffer) },
	"reqcontractsigsforsender":          func() Message { return new(ReqContractSigsForSender) },
	"proofoffunding":                    func() Message { return new(ProofOfFunding) },
	"contractsigsforrecvingandsending":  func() Message { return new(ContractSigsForRecvingAndSending) },
	"hashpreimage":                      func() Message { return new(HashPreimage) },
	"privatekeyhandover":                func() Message { return new(PrivateKeyHandover) },
	"makerhello":                        func() Message { return new(MakerHello) },
	"offer":                             func() Message { return new(Offer) },
	"contractsigsforsender":             func() Message { return new(ContractSigsForSender) },
	"requestcontractsigsasreceiverandsender": func() Message { return new(RequestContractSigsAsReceiverAndSender) },
}

// --- Taker -> Maker ---------------------------------------------------

// TakerHello is the first message on every connection, advertising the
// Taker's supported protocol version range (§4.3).
type TakerHello struct {
	MinVersion uint32 `cbor:"min_version"`
	MaxVersion uint32 `cbor:"max_version"`
}

func (TakerHello) Method() string { return "takerhello" }

// GiveOffer requests the Maker's current Offer.
type GiveOffer struct{}

func (GiveOffer) Method() string { return "giveoffer" }

// FundingTxSigReq describes one funding-output slot (of K) the Taker wants
// the Maker to counter-sign a contract transaction against, acting as
// sender of that hop.
type FundingTxSigReq struct {
	MultisigScript       []byte   `cbor:"multisig_script"`
	ContractRedeemScript []byte   `cbor:"contract_redeem_script"`
	FundingAmount        int64    `cbor:"funding_amount"`
	ContractTx           []byte   `cbor:"contract_tx"`
	HopTweak             [32]byte `cbor:"hop_tweak"`
}

// ReqContractSigsForSender asks the Maker to sign, as receiver, the
// contract transactions of its incoming hops, whose sender is the Taker or
// an upstream Maker (§4.5 Phase 1/2).
type ReqContractSigsForSender struct {
	TxsInfo []FundingTxSigReq `cbor:"txs_info"`
}

func (ReqContractSigsForSender) Method() string { return "reqcontractsigsforsender" }

// ProofOfFunding carries the confirmed funding transaction(s) for the
// current hop (§4.5 Phase 2/3). Routing to the next hop needs no data from
// the Maker: the Taker derives every downstream party's per-hop keys
// itself from that party's public tweakable_point and supplies the fully
// built request in the ContractSigsForRecvingAndSending that follows.
type ProofOfFunding struct {
	FundingTxs      [][]byte `cbor:"funding_txs"`
	MultisigScripts [][]byte `cbor:"multisig_scripts"`
}

func (ProofOfFunding) Method() string { return "proofoffunding" }

// ContractSigsForRecvingAndSending carries, in one round trip, the Taker's
// signatures for a Maker's incoming contract (as sender of the prior hop)
// and its request for that Maker's signatures on the next hop's contract
// where the Maker is now the sender (§4.5 Phase 3, the walk-the-chain
// combined step).
type ContractSigsForRecvingAndSending struct {
	RecvingSigs []SignatureFor `cbor:"recving_sigs"`
	SendingTxs  []FundingTxSigReq `cbor:"sending_txs"`
}

func (ContractSigsForRecvingAndSending) Method() string {
	return "contractsigsforrecvingandsending"
}

// HashPreimage propagates the swap's shared hash preimage down the route
// once the Taker has confirmed every hop is funded (§4.5 Phase 5).
type HashPreimage struct {
	Preimage [32]byte `cbor:"preimage"`
}

func (HashPreimage) Method() string { return "hashpreimage" }

// PrivateKeyHandover transfers one multisig private key, turning a 2-of-2
// funding output into a single-party spendable UTXO (§4.5 Phase 6, and
// I8: only ever sent after the adjacent funding tx has confirmed).
type PrivateKeyHandover struct {
	MultisigScript []byte `cbor:"multisig_script"`
	Privkey        []byte `cbor:"privkey"`
}

func (PrivateKeyHandover) Method() string { return "privatekeyhandover" }

// --- Maker -> Taker ---------------------------------------------------

// MakerHello mirrors TakerHello in the other direction.
type MakerHello struct {
	MinVersion uint32 `cbor:"min_version"`
	MaxVersion uint32 `cbor:"max_version"`
}

func (MakerHello) Method() string { return "makerhello" }

// Offer is a Maker's advertised terms: fee schedule, size bounds, the
// long-lived tweakable point used to derive per-hop keys, and a fidelity
// bond proof a Taker can verify before selection.
type Offer struct {
	MinSize           int64   `cbor:"min_size"`
	MaxSize           int64   `cbor:"max_size"`
	BaseFee           int64   `cbor:"base_fee"`
	AmountRelativeFee float64 `cbor:"amount_relative_fee"`
	TweakablePoint    []byte  `cbor:"tweakable_point"`
	FidelityProof     []byte  `cbor:"fidelity_proof"`
}

func (Offer) Method() string { return "offer" }

// SignatureFor pairs a DER signature with the multisig script it signs
// over, so the recipient can match it to the correct ledger entry.
type SignatureFor struct {
	MultisigScript []byte `cbor:"multisig_script"`
	Signature      []byte `cbor:"signature"`
}

// ContractSigsForSender returns the Maker's signatures for contract
// transactions where the Taker (or an upstream Maker) is the sender.
type ContractSigsForSender struct {
	Sigs []SignatureFor `cbor:"sigs"`
}

func (ContractSigsForSender) Method() string { return "contractsigsforsender" }

// RequestContractSigsAsReceiverAndSender is the Maker-originated mirror of
// ContractSigsForRecvingAndSending: it returns the Maker's signatures for
// each outgoing contract it was asked to sign as sender, together with the
// funding transaction it broadcast from its own wallet to fund that
// contract's multisig output (§4.5 Phase 2: "M_i broadcasts the outgoing
// funding tx"). SendingFundingTxs is aligned by index with the SendingTxs
// of the request this message answers.
type RequestContractSigsAsReceiverAndSender struct {
	RecvingSigs       []SignatureFor `cbor:"recving_sigs"`
	SendingFundingTxs [][]byte       `cbor:"sending_funding_txs"`
}

func (RequestContractSigsAsReceiverAndSender) Method() string {
	return "requestcontractsigsasreceiverandsender"
}
