package protocol

// WireVersion is the envelope format version written by Encode.
const WireVersion byte = 0x01

// Encode serializes m into a single transport message.
func Encode(m Message) []byte {
	w := wireWriter{buf: make([]byte, 0, 32+len(m.id)+len(m.senderID)+len(m.sessionID)+len(m.payload))}
	w.putByte(WireVersion)
	w.putByte(byte(m.kind))
	w.putString(m.id)
	w.putVarint(m.timestamp)
	w.putString(m.senderID)
	w.putString(m.sessionID)
	w.putBytes(m.payload)
	return w.buf
}

// Decode parses a single transport message. Any failure is returned as a
// *DecodeError.
func Decode(data []byte) (Message, error) {
	r := wireReader{buf: data}

	version, err := r.getByte()
	if err != nil {
		return Message{}, &DecodeError{Op: "version", Err: err}
	}
	if version != WireVersion {
		return Message{}, &DecodeError{Op: "version", Err: ErrUnsupportedVersion}
	}

	kb, err := r.getByte()
	if err != nil {
		return Message{}, &DecodeError{Op: "kind", Err: err}
	}
	kind := Kind(kb)
	if !kind.Valid() {
		return Message{}, &DecodeError{Op: "kind", Err: ErrUnknownKind}
	}

	fail := func(op string, err error) (Message, error) {
		return Message{}, &DecodeError{Kind: kind, Op: op, Err: err}
	}
	m := Message{kind: kind}
	if m.id, err = r.getString(); err != nil {
		return fail("id", err)
	}
	if m.timestamp, err = r.getVarint(); err != nil {
		return fail("timestamp", err)
	}
	if m.senderID, err = r.getString(); err != nil {
		return fail("sender", err)
	}
	if m.sessionID, err = r.getString(); err != nil {
		return fail("session", err)
	}
	if m.payload, err = r.getBytes(); err != nil {
		return fail("payload", err)
	}
	if !r.done() {
		return fail("envelope", ErrTrailingBytes)
	}
	return m, nil
}
