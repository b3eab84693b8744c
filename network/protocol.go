package network

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MaxFieldSize bounds one length-prefixed text field (16 MB).
	MaxFieldSize = 16 * 1024 * 1024
	// MaxImageSize bounds one image payload (32 MB).
	MaxImageSize = 32 * 1024 * 1024
)

// Kind is the tag string that opens every frame on the wire.
type Kind string

const (
	KindText            Kind = "TEXT"
	KindImage           Kind = "IMAGE"
	KindDeliveryReceipt Kind = "DELIVERY_RECEIPT"
	KindSeenReceipt     Kind = "SEEN_RECEIPT"
	KindProfileInfo     Kind = "PROFILE_INFO"
	KindPairingRequest  Kind = "PAIRING_REQUEST"
	KindPairingResponse Kind = "PAIRING_RESPONSE"
)

var (
	// ErrUnknownTag indicates a frame tag outside the seven known kinds.
	ErrUnknownTag = errors.New("network: unknown frame tag")
	// ErrFieldTooLarge indicates a length prefix above the accepted maximum.
	ErrFieldTooLarge = errors.New("network: frame field exceeds max size")
	// ErrTruncatedFrame indicates the stream ended in the middle of a frame.
	ErrTruncatedFrame = errors.New("network: truncated frame")
	// ErrInvalidText indicates a text field that is not valid UTF-8.
	ErrInvalidText = errors.New("network: text field is not valid UTF-8")
	// ErrNilFrame indicates an attempt to encode a nil frame.
	ErrNilFrame = errors.New("network: nil frame")
)

// messageIDNamespace scopes name-based message IDs to this protocol.
var messageIDNamespace = uuid.MustParse("5b0e3f0c-4a53-4bd4-9a8e-2c1f3c2b7d10")

// Frame is one typed protocol message. The set of implementations is closed.
type Frame interface {
	Kind() Kind
	encodeFields(w *fieldWriter)
}

// Text carries a chat text body.
type Text struct {
	Body string
}

// Image carries an opaque image payload.
type Image struct {
	Data []byte
}

// DeliveryReceipt reports that the message with MessageID reached the peer.
type DeliveryReceipt struct {
	MessageID string
}

// SeenReceipt reports that the message with MessageID was shown to the user.
type SeenReceipt struct {
	MessageID string
}

// ProfileInfo carries the sender's profile. PhotoBase64 is empty when there is no photo.
type ProfileInfo struct {
	UserID      string
	DisplayName string
	PhotoBase64 string
}

// PairingRequest asks the remote user for consent to pair.
type PairingRequest struct {
	DeviceName    string
	DeviceAddress string
}

// PairingResponse answers a PairingRequest.
type PairingResponse struct {
	Accepted bool
}

func (Text) Kind() Kind            { return KindText }
func (Image) Kind() Kind           { return KindImage }
func (DeliveryReceipt) Kind() Kind { return KindDeliveryReceipt }
func (SeenReceipt) Kind() Kind     { return KindSeenReceipt }
func (ProfileInfo) Kind() Kind     { return KindProfileInfo }
func (PairingRequest) Kind() Kind  { return KindPairingRequest }
func (PairingResponse) Kind() Kind { return KindPairingResponse }

func (f Text) encodeFields(w *fieldWriter) { w.text(f.Body) }

func (f Image) encodeFields(w *fieldWriter) { w.bytes(f.Data) }

func (f DeliveryReceipt) encodeFields(w *fieldWriter) { w.text(f.MessageID) }

func (f SeenReceipt) encodeFields(w *fieldWriter) { w.text(f.MessageID) }

func (f ProfileInfo) encodeFields(w *fieldWriter) {
	w.text(f.UserID)
	w.text(f.DisplayName)
	w.text(f.PhotoBase64)
}

func (f PairingRequest) encodeFields(w *fieldWriter) {
	w.text(f.DeviceName)
	w.text(f.DeviceAddress)
}

func (f PairingResponse) encodeFields(w *fieldWriter) { w.boolean(f.Accepted) }

// Retryable reports whether frames of this kind are queued after a failed send.
func (k Kind) Retryable() bool {
	switch k {
	case KindText, KindImage, KindProfileInfo, KindPairingRequest:
		return true
	default:
		return false
	}
}

// Encode serializes one frame: the tag as a text field followed by its typed fields.
func Encode(frame Frame) ([]byte, error) {
	if frame == nil {
		return nil, ErrNilFrame
	}
	w := &fieldWriter{}
	w.text(string(frame.Kind()))
	frame.encodeFields(w)
	if w.err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", frame.Kind(), w.err)
	}
	return w.buf, nil
}

// WriteFrame encodes a frame and writes it with a single Write call.
func WriteFrame(w io.Writer, frame Frame) error {
	payload, err := Encode(frame)
	if err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Kind(), err)
	}
	return nil
}

// Decode blocks until one complete frame is read. A close observed before
// the first byte of a frame returns io.EOF; anything else malformed is a
// protocol error.
func Decode(r io.Reader) (Frame, error) {
	tag, err := readText(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame tag: %w", err)
	}

	frame, err := decodeFields(Kind(tag), r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: %w", ErrTruncatedFrame, io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("decode %s frame: %w", tag, err)
	}
	return frame, nil
}

func decodeFields(kind Kind, r io.Reader) (Frame, error) {
	switch kind {
	case KindText:
		body, err := readText(r)
		if err != nil {
			return nil, err
		}
		return Text{Body: body}, nil
	case KindImage:
		data, err := readBytes(r, MaxImageSize)
		if err != nil {
			return nil, err
		}
		return Image{Data: data}, nil
	case KindDeliveryReceipt:
		id, err := readText(r)
		if err != nil {
			return nil, err
		}
		return DeliveryReceipt{MessageID: id}, nil
	case KindSeenReceipt:
		id, err := readText(r)
		if err != nil {
			return nil, err
		}
		return SeenReceipt{MessageID: id}, nil
	case KindProfileInfo:
		fields, err := readTexts(r, 3)
		if err != nil {
			return nil, err
		}
		return ProfileInfo{UserID: fields[0], DisplayName: fields[1], PhotoBase64: fields[2]}, nil
	case KindPairingRequest:
		fields, err := readTexts(r, 2)
		if err != nil {
			return nil, err
		}
		return PairingRequest{DeviceName: fields[0], DeviceAddress: fields[1]}, nil
	case KindPairingResponse:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		return PairingResponse{Accepted: b[0] != 0}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownTag, string(kind))
	}
}

// MessageID returns the deterministic identifier both peers derive for a frame.
func MessageID(frame Frame) string {
	payload, err := Encode(frame)
	if err != nil {
		return ""
	}
	return uuid.NewSHA1(messageIDNamespace, payload).String()
}

type fieldWriter struct {
	buf []byte
	err error
}

func (w *fieldWriter) text(s string) {
	w.bytesWithLimit([]byte(s), MaxFieldSize)
}

func (w *fieldWriter) bytes(b []byte) {
	w.bytesWithLimit(b, MaxImageSize)
}

func (w *fieldWriter) bytesWithLimit(b []byte, limit int) {
	if w.err != nil {
		return
	}
	if len(b) > limit {
		w.err = ErrFieldTooLarge
		return
	}
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *fieldWriter) boolean(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

func readTexts(r io.Reader, n int) ([]string, error) {
	out := make([]string, n)
	for i := range out {
		s, err := readText(r)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func readText(r io.Reader) (string, error) {
	raw, err := readBytes(r, MaxFieldSize)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", ErrInvalidText
	}
	return string(raw), nil
}

// readBytes returns io.EOF only when nothing of the field was read.
func readBytes(r io.Reader, limit int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", ErrTruncatedFrame, err)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if uint64(length) > uint64(limit) {
		return nil, ErrFieldTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", ErrTruncatedFrame, io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return payload, nil
}

// frameReader decodes frames from a buffered stream.
type frameReader struct {
	br *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{br: bufio.NewReaderSize(r, 64*1024)}
}

func (fr *frameReader) waitForFrame() error {
	_, err := fr.br.Peek(1)
	return err
}

func (fr *frameReader) next() (Frame, error) {
	return Decode(fr.br)
}
