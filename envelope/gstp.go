package envelope

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/bartke/frost-rendezvous/arid"
	"github.com/bartke/frost-rendezvous/xid"
)

// Function names carried in sealed request bodies. Case-sensitive.
const (
	FnDKGGroupInvite       = "dkgGroupInvite"
	FnDKGInviteResponse    = "dkgInviteResponse"
	FnDKGRound2            = "dkgRound2"
	FnDKGRound2Response    = "dkgRound2Response"
	FnDKGFinalize          = "dkgFinalize"
	FnDKGFinalizeResponse  = "dkgFinalizeResponse"
	FnSignCommit           = "signCommit"
	FnSignCommitResponse   = "signCommitResponse"
	FnSignShare            = "signShare"
	FnSignShareResponse    = "signShareResponse"
	FnSignFinalize         = "signFinalize"
	FnSignFinalizeResponse = "signFinalizeResponse"
)

// Params are the named parameters of a request or response body.
type Params map[string]cbor.RawMessage

// Set encodes v under key k.
func (p Params) Set(k string, v any) error {
	raw, err := Marshal(v)
	if err != nil {
		return err
	}
	p[k] = raw
	return nil
}

// Get decodes the value under k into v.
func (p Params) Get(k string, v any) error {
	raw, ok := p[k]
	if !ok {
		return fmt.Errorf("%w: missing parameter %q", ErrMalformed, k)
	}
	if err := Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: parameter %q: %v", ErrMalformed, k, err)
	}
	return nil
}

// Has reports whether k is present.
func (p Params) Has(k string) bool {
	_, ok := p[k]
	return ok
}

// Request is a decoded sealed request.
type Request struct {
	Function     string
	Params       Params
	RequestID    arid.ARID
	Date         time.Time
	ValidUntil   time.Time
	Continuation []byte
	// Sender is filled on decode after signature verification.
	Sender xid.XID
}

// Response is a decoded sealed response. Exactly one of Result and Err is
// meaningful; Err non-empty means the peer reported an error.
type Response struct {
	RequestID    arid.ARID
	Result       Params
	Err          string
	Date         time.Time
	Continuation []byte
	Sender       xid.XID
}

// IsError reports whether the peer answered with an explicit error.
func (r *Response) IsError() bool {
	return r.Err != ""
}

type requestBody struct {
	Function     string `cbor:"1,keyasint"`
	Params       Params `cbor:"2,keyasint"`
	RequestID    []byte `cbor:"3,keyasint"`
	Date         string `cbor:"4,keyasint"`
	ValidUntil   string `cbor:"5,keyasint,omitempty"`
	Continuation []byte `cbor:"6,keyasint,omitempty"`
}

type responseBody struct {
	RequestID    []byte `cbor:"1,keyasint"`
	Result       Params `cbor:"2,keyasint,omitempty"`
	Error        string `cbor:"3,keyasint,omitempty"`
	Date         string `cbor:"4,keyasint"`
	Continuation []byte `cbor:"6,keyasint,omitempty"`
}

// sealedTransport is the outer wire form: the COSE_Sign1 body encrypted
// under a random content key, sealed once per recipient.
type sealedTransport struct {
	Recipients []Sealed `cbor:"1,keyasint"`
	Nonce      []byte   `cbor:"2,keyasint"`
	Ciphertext []byte   `cbor:"3,keyasint"`
}

// Lookup resolves a sender XID to its known document. Decoding fails with
// ErrAuthenticationFailed when the sender is unknown.
type Lookup func(xid.XID) (*xid.Document, bool)

// EncodeRequest signs the request body with the sender's inception key and
// seals it to every recipient. A zero RequestID is assigned a fresh ARID;
// the assigned value is written back to req.
func EncodeRequest(req *Request, sender *xid.PrivateDocument, recipients []*xid.Document) ([]byte, error) {
	if req.RequestID.IsZero() {
		req.RequestID = arid.New()
	}
	if req.Date.IsZero() {
		req.Date = time.Now().UTC()
	}
	body := &requestBody{
		Function:     req.Function,
		Params:       req.Params,
		RequestID:    req.RequestID[:],
		Date:         req.Date.UTC().Format(time.RFC3339),
		Continuation: req.Continuation,
	}
	if !req.ValidUntil.IsZero() {
		body.ValidUntil = req.ValidUntil.UTC().Format(time.RFC3339)
	}
	bodyBytes, err := Marshal(body)
	if err != nil {
		return nil, err
	}
	return sealBody(bodyBytes, sender, recipients)
}

// DecodeRequest opens, authenticates and decodes a sealed request.
func DecodeRequest(data []byte, me *xid.PrivateDocument, lookup Lookup) (*Request, error) {
	bodyBytes, sender, err := openBody(data, me, lookup)
	if err != nil {
		return nil, err
	}

	var body requestBody
	if err := Unmarshal(bodyBytes, &body); err != nil {
		return nil, fmt.Errorf("%w: request body: %v", ErrMalformed, err)
	}
	id, err := arid.FromBytes(body.RequestID)
	if err != nil {
		return nil, fmt.Errorf("%w: request id: %v", ErrMalformed, err)
	}

	req := &Request{
		Function:     body.Function,
		Params:       body.Params,
		RequestID:    id,
		Continuation: body.Continuation,
		Sender:       sender,
	}
	if req.Params == nil {
		req.Params = Params{}
	}
	if req.Date, err = time.Parse(time.RFC3339, body.Date); err != nil {
		return nil, fmt.Errorf("%w: date: %v", ErrMalformed, err)
	}
	if body.ValidUntil != "" {
		if req.ValidUntil, err = time.Parse(time.RFC3339, body.ValidUntil); err != nil {
			return nil, fmt.Errorf("%w: valid_until: %v", ErrMalformed, err)
		}
		if time.Now().After(req.ValidUntil) {
			return nil, ErrExpired
		}
	}
	return req, nil
}

// EncodeResponse signs and seals a response to the original requester.
func EncodeResponse(resp *Response, sender *xid.PrivateDocument, requester *xid.Document) ([]byte, error) {
	if resp.Date.IsZero() {
		resp.Date = time.Now().UTC()
	}
	body := &responseBody{
		RequestID:    resp.RequestID[:],
		Result:       resp.Result,
		Error:        resp.Err,
		Date:         resp.Date.UTC().Format(time.RFC3339),
		Continuation: resp.Continuation,
	}
	bodyBytes, err := Marshal(body)
	if err != nil {
		return nil, err
	}
	return sealBody(bodyBytes, sender, []*xid.Document{requester})
}

// DecodeResponse opens, authenticates and decodes a sealed response.
func DecodeResponse(data []byte, me *xid.PrivateDocument, lookup Lookup) (*Response, error) {
	bodyBytes, sender, err := openBody(data, me, lookup)
	if err != nil {
		return nil, err
	}

	var body responseBody
	if err := Unmarshal(bodyBytes, &body); err != nil {
		return nil, fmt.Errorf("%w: response body: %v", ErrMalformed, err)
	}
	id, err := arid.FromBytes(body.RequestID)
	if err != nil {
		return nil, fmt.Errorf("%w: request id: %v", ErrMalformed, err)
	}

	resp := &Response{
		RequestID:    id,
		Result:       body.Result,
		Err:          body.Error,
		Continuation: body.Continuation,
		Sender:       sender,
	}
	if resp.Result == nil {
		resp.Result = Params{}
	}
	if resp.Date, err = time.Parse(time.RFC3339, body.Date); err != nil {
		return nil, fmt.Errorf("%w: date: %v", ErrMalformed, err)
	}
	return resp, nil
}

func sealBody(bodyBytes []byte, sender *xid.PrivateDocument, recipients []*xid.Document) ([]byte, error) {
	signer, err := cose.NewSigner(cose.AlgorithmEd25519, sender.SigningPrivate)
	if err != nil {
		return nil, err
	}
	senderXID := sender.XID()

	msg := cose.NewSign1Message()
	msg.Headers.Protected[cose.HeaderLabelAlgorithm] = cose.AlgorithmEd25519
	msg.Headers.Protected[cose.HeaderLabelKeyID] = senderXID[:]
	msg.Payload = bodyBytes
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, err
	}
	signed, err := msg.MarshalCBOR()
	if err != nil {
		return nil, err
	}

	// one content key, sealed once per recipient
	contentKey := make([]byte, 32)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, err
	}
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext, err := aeadSeal(contentKey, nonce, signed)
	if err != nil {
		return nil, err
	}

	out := sealedTransport{Nonce: nonce, Ciphertext: ciphertext}
	for _, doc := range recipients {
		s, err := SealTo(doc, contentKey)
		if err != nil {
			return nil, fmt.Errorf("envelope: seal to %s: %w", doc.XID().Short(), err)
		}
		out.Recipients = append(out.Recipients, *s)
	}
	return Marshal(&out)
}

func openBody(data []byte, me *xid.PrivateDocument, lookup Lookup) ([]byte, xid.XID, error) {
	var st sealedTransport
	if err := Unmarshal(data, &st); err != nil {
		return nil, xid.XID{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	myXID := me.XID()
	var contentKey []byte
	for i := range st.Recipients {
		if string(st.Recipients[i].XID) != string(myXID[:]) {
			continue
		}
		key, err := Open(me, &st.Recipients[i])
		if err != nil {
			return nil, xid.XID{}, err
		}
		contentKey = key
		break
	}
	if contentKey == nil {
		return nil, xid.XID{}, ErrDecryptionFailed
	}

	signed, err := aeadOpen(contentKey, st.Nonce, st.Ciphertext)
	if err != nil {
		return nil, xid.XID{}, ErrDecryptionFailed
	}

	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(signed); err != nil {
		return nil, xid.XID{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kid, ok := msg.Headers.Protected[cose.HeaderLabelKeyID].([]byte)
	if !ok {
		return nil, xid.XID{}, fmt.Errorf("%w: missing sender key id", ErrAuthenticationFailed)
	}
	sender, err := xid.FromBytes(kid)
	if err != nil {
		return nil, xid.XID{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	doc, ok := lookup(sender)
	if !ok {
		return nil, xid.XID{}, fmt.Errorf("%w: unknown sender %s", ErrAuthenticationFailed, sender.Short())
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmEd25519, doc.SigningKey)
	if err != nil {
		return nil, xid.XID{}, err
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, xid.XID{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return msg.Payload, sender, nil
}
