// Package solana holds the ledger wire codec and JSON-RPC client.
package solana

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedEncoding is returned for transaction bytes that are not a
	// legacy or v0 message.
	ErrUnsupportedEncoding = errors.New("solana: unsupported transaction encoding")
	// ErrMalformed is returned for truncated or inconsistent transaction bytes.
	ErrMalformed = errors.New("solana: malformed transaction")
	// ErrSignerNotRequired is returned when the signer's key is not one of the
	// message's required signers.
	ErrSignerNotRequired = errors.New("solana: signer is not a required signer")
)

const versionPrefix = 0x80

// MessageHeader counts the signer and read-only accounts.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// Message is a transaction message. Only the parts the pipeline touches are
// decoded; instructions and address table lookups are kept as raw bytes.
type Message struct {
	Versioned       bool
	Header          MessageHeader
	AccountKeys     []PublicKey
	RecentBlockhash Hash
	tail            []byte
}

// Transaction is a message plus one signature slot per required signer.
type Transaction struct {
	Signatures []Signature
	Message    Message
}

// DecodeTransactionBase64 decodes a base64 wire transaction.
func DecodeTransactionBase64(s string) (*Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrUnsupportedEncoding, err)
	}
	return DecodeTransaction(raw)
}

// DecodeTransaction decodes wire bytes into a Transaction.
func DecodeTransaction(raw []byte) (*Transaction, error) {
	r := bytes.NewReader(raw)
	n, err := readCompactU16(r)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{Signatures: make([]Signature, n)}
	for i := range tx.Signatures {
		if _, err := readFull(r, tx.Signatures[i][:]); err != nil {
			return nil, err
		}
	}
	if err := tx.Message.decode(r); err != nil {
		return nil, err
	}
	if int(tx.Message.Header.NumRequiredSignatures) != len(tx.Signatures) {
		return nil, fmt.Errorf("%w: %d signatures for %d required signers",
			ErrMalformed, len(tx.Signatures), tx.Message.Header.NumRequiredSignatures)
	}
	return tx, nil
}

func (m *Message) decode(r *bytes.Reader) error {
	first, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: empty message", ErrMalformed)
	}
	if first&versionPrefix != 0 {
		if v := first &^ versionPrefix; v != 0 {
			return fmt.Errorf("%w: message version %d", ErrUnsupportedEncoding, v)
		}
		m.Versioned = true
		if first, err = r.ReadByte(); err != nil {
			return fmt.Errorf("%w: truncated header", ErrMalformed)
		}
	}

	var rest [2]byte
	if _, err := readFull(r, rest[:]); err != nil {
		return err
	}
	m.Header = MessageHeader{
		NumRequiredSignatures:       first,
		NumReadonlySignedAccounts:   rest[0],
		NumReadonlyUnsignedAccounts: rest[1],
	}

	n, err := readCompactU16(r)
	if err != nil {
		return err
	}
	if n < int(m.Header.NumRequiredSignatures) {
		return fmt.Errorf("%w: %d account keys for %d signers", ErrMalformed, n, m.Header.NumRequiredSignatures)
	}
	m.AccountKeys = make([]PublicKey, n)
	for i := range m.AccountKeys {
		if _, err := readFull(r, m.AccountKeys[i][:]); err != nil {
			return err
		}
	}
	if _, err := readFull(r, m.RecentBlockhash[:]); err != nil {
		return err
	}
	m.tail = make([]byte, r.Len())
	_, _ = r.Read(m.tail)
	return nil
}

// Serialize returns the message bytes that signatures cover.
func (m *Message) Serialize() []byte {
	var b bytes.Buffer
	if m.Versioned {
		b.WriteByte(versionPrefix)
	}
	b.WriteByte(m.Header.NumRequiredSignatures)
	b.WriteByte(m.Header.NumReadonlySignedAccounts)
	b.WriteByte(m.Header.NumReadonlyUnsignedAccounts)
	writeCompactU16(&b, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		b.Write(k[:])
	}
	b.Write(m.RecentBlockhash[:])
	b.Write(m.tail)
	return b.Bytes()
}

// FeePayer is the first account key.
func (m *Message) FeePayer() PublicKey {
	if len(m.AccountKeys) == 0 {
		return PublicKey{}
	}
	return m.AccountKeys[0]
}

// Serialize returns the wire bytes.
func (tx *Transaction) Serialize() []byte {
	var b bytes.Buffer
	writeCompactU16(&b, len(tx.Signatures))
	for _, s := range tx.Signatures {
		b.Write(s[:])
	}
	b.Write(tx.Message.Serialize())
	return b.Bytes()
}

// Base64 returns the wire bytes base64 encoded, as sendTransaction expects.
func (tx *Transaction) Base64() string {
	return base64.StdEncoding.EncodeToString(tx.Serialize())
}

// SetBlockhash stamps a new recent blockhash and clears every signature,
// since they no longer cover the message.
func (tx *Transaction) SetBlockhash(h Hash) {
	tx.Message.RecentBlockhash = h
	for i := range tx.Signatures {
		tx.Signatures[i] = Signature{}
	}
}

// Sign places signer's signature in the slot of its account key.
func (tx *Transaction) Sign(signer Signer) error {
	pk := signer.PublicKey()
	n := int(tx.Message.Header.NumRequiredSignatures)
	idx := -1
	for i := 0; i < n && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i] == pk {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrSignerNotRequired, pk)
	}
	for len(tx.Signatures) < n {
		tx.Signatures = append(tx.Signatures, Signature{})
	}

	sig, err := signer.Sign(tx.Message.Serialize())
	if err != nil {
		return fmt.Errorf("solana: sign: %w", err)
	}
	if len(sig) != SignatureLength {
		return fmt.Errorf("solana: sign: signature is %d bytes", len(sig))
	}
	copy(tx.Signatures[idx][:], sig)
	return nil
}

// ID returns the fee payer's signature, which identifies the transaction.
func (tx *Transaction) ID() Signature {
	if len(tx.Signatures) == 0 {
		return Signature{}
	}
	return tx.Signatures[0]
}

// NewTransfer builds an unsigned legacy system-program transfer of lamports
// from one account to another.
func NewTransfer(from, to PublicKey, lamports uint64, blockhash Hash) *Transaction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], 2)
	binary.LittleEndian.PutUint64(data[4:12], lamports)

	var tail bytes.Buffer
	writeCompactU16(&tail, 1)
	tail.WriteByte(2)
	writeCompactU16(&tail, 2)
	tail.WriteByte(0)
	tail.WriteByte(1)
	writeCompactU16(&tail, len(data))
	tail.Write(data)

	return &Transaction{
		Signatures: make([]Signature, 1),
		Message: Message{
			Header: MessageHeader{
				NumRequiredSignatures:       1,
				NumReadonlySignedAccounts:   0,
				NumReadonlyUnsignedAccounts: 1,
			},
			AccountKeys:     []PublicKey{from, to, SystemProgramID},
			RecentBlockhash: blockhash,
			tail:            tail.Bytes(),
		},
	}
}

func readFull(r *bytes.Reader, p []byte) (int, error) {
	if r.Len() < len(p) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, len(p), r.Len())
	}
	return r.Read(p)
}

// readCompactU16 reads the ledger's variable-length u16 (7 bits per byte,
// at most three bytes).
func readCompactU16(r *bytes.Reader) (int, error) {
	var v int
	for i := 0; i < 3; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("%w: truncated length", ErrMalformed)
		}
		v |= int(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			if v > 0xffff {
				return 0, fmt.Errorf("%w: length overflow", ErrMalformed)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: length too long", ErrMalformed)
}

func writeCompactU16(b *bytes.Buffer, v int) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			b.WriteByte(c)
			return
		}
		b.WriteByte(c | 0x80)
	}
}
