package ifap

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
)

// Wire format constants (spec §4.1). These are part of the on-wire
// compatibility surface and MUST be preserved bit-exactly.
const (
	headerXIFAP          = "X-IFAP"
	contentTypeIFAP       = "application/x-ifap"
	metadataPadModulus    = 148
	payloadPadModulus     = 2048
	reflowWidth           = 78
	encryptedSubject      = "..."
	encryptedFilename     = "ifap.enc"
	ctePlaintext          = "base64"
	cteEncrypted          = "7bit"
)

// EncodeObject serializes obj into the RFC-822-shaped wire format. If
// key is non-nil, encrypted mode is used; otherwise plaintext mode.
// obj.Metadata.Bytes is overwritten with the true payload length.
func EncodeObject(obj Object, key *[keySize]byte) ([]byte, error) {
	meta := obj.Metadata.Clone()
	meta.Bytes = len(obj.Payload)

	var subject, filename, cte, metaBlock, bodyBlock string
	var err error

	if key == nil {
		subject = meta.Path
		filename = basename(meta.Path)
		cte = ctePlaintext

		prettyJSON, err2 := marshalMetadataPretty(meta)
		if err2 != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err2)
		}
		metaBlock = reflowPreserve(prettyJSON)
		bodyBlock = reflowChunk(base64.StdEncoding.EncodeToString(obj.Payload))
	} else {
		subject = encryptedSubject
		filename = encryptedFilename
		cte = cteEncrypted

		metaBlock, err = encryptedMetadataBlock(meta, key)
		if err != nil {
			return nil, err
		}

		padded := padSpaces(obj.Payload, payloadPadModulus)
		encPayload, sealErr := seal(*key, padded)
		if sealErr != nil {
			return nil, fmt.Errorf("encrypt payload: %w", sealErr)
		}
		bodyBlock = reflowChunk(base64.StdEncoding.EncodeToString(encPayload))
	}

	var buf bytes.Buffer
	buf.WriteString("To: \r\n")
	buf.WriteString("From: \r\n")
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "%s: %s\r\n", headerXIFAP, metaBlock)
	fmt.Fprintf(&buf, "Content-Type: %s\r\n", contentTypeIFAP)
	fmt.Fprintf(&buf, "Content-Transfer-Encoding: %s\r\n", cte)
	fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%s\r\n", filename)
	buf.WriteString("\r\n")
	buf.WriteString(bodyBlock)
	return buf.Bytes(), nil
}

// encryptedMetadataBlock extends meta with underscore padding so the
// compact JSON encoding is a multiple of metadataPadModulus bytes, then
// seals it and reflows the result into chunks of reflowWidth characters.
func encryptedMetadataBlock(meta Metadata, key *[keySize]byte) (string, error) {
	meta.Padding = ""
	base, err := marshalMetadataCompact(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	// The "_" field adds its own key, quotes and comma around the padding.
	const padFieldOverhead = len(`"_":"",`)
	needed := 0
	if len(base)%metadataPadModulus != 0 {
		needed = (metadataPadModulus - (len(base)+padFieldOverhead)%metadataPadModulus) % metadataPadModulus
		if needed == 0 {
			needed = metadataPadModulus
		}
	}
	meta.Padding = strings.Repeat("_", needed)

	final, err := marshalMetadataCompact(meta)
	if err != nil {
		return "", fmt.Errorf("marshal padded metadata: %w", err)
	}

	sealed, err := seal(*key, final)
	if err != nil {
		return "", fmt.Errorf("encrypt metadata: %w", err)
	}
	return reflowChunk(base64.StdEncoding.EncodeToString(sealed)), nil
}

// ParsedObject is the result of decoding a complete wire message.
type ParsedObject struct {
	Metadata Metadata
	Payload  []byte
}

// ParseObject decodes a complete wire message produced by EncodeObject.
// key must be non-nil if the message was encrypted. The message is
// never assumed well-formed: any failure is returned as an error so
// the caller (the Synchronizer) can classify the sequence broken
// instead of propagating a panic or a hard error.
func ParseObject(raw []byte, key *[keySize]byte) (ParsedObject, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if entity == nil {
		if err != nil {
			return ParsedObject{}, fmt.Errorf("read message: %w", err)
		}
		return ParsedObject{}, fmt.Errorf("read message: empty entity")
	}
	if err != nil && !message.IsUnknownCharset(err) {
		return ParsedObject{}, fmt.Errorf("read message: %w", err)
	}

	ct := entity.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(ct), contentTypeIFAP) {
		return ParsedObject{}, fmt.Errorf("unexpected content-type %q", ct)
	}

	cte := strings.ToLower(strings.TrimSpace(entity.Header.Get("Content-Transfer-Encoding")))
	xifap := entity.Header.Get(headerXIFAP)
	if xifap == "" {
		return ParsedObject{}, fmt.Errorf("missing %s header", headerXIFAP)
	}

	bodyRaw, err := io.ReadAll(entity.Body)
	if err != nil {
		return ParsedObject{}, fmt.Errorf("read body: %w", err)
	}

	switch cte {
	case ctePlaintext:
		meta, err := unmarshalMetadata(stripOuterWhitespace(xifap))
		if err != nil {
			return ParsedObject{}, fmt.Errorf("parse metadata: %w", err)
		}
		if meta.Path == "" {
			meta.Path = entity.Header.Get("Subject")
		}
		// message.Read already decoded the base64 CTE for us; bodyRaw is
		// the raw payload. A body that still has base64 shape and does not
		// match the declared length is decoded once more here.
		payload := bodyRaw
		if len(bodyRaw) != meta.Bytes && looksBase64Wrapped(bodyRaw) {
			decoded, decErr := base64.StdEncoding.DecodeString(stripAllWhitespace(string(bodyRaw)))
			if decErr == nil {
				payload = decoded
			}
		}
		return ParsedObject{Metadata: meta, Payload: payload}, nil

	case cteEncrypted:
		if key == nil {
			return ParsedObject{}, fmt.Errorf("%w", ErrEncryptionRequired)
		}
		metaCipher, err := base64.StdEncoding.DecodeString(stripAllWhitespace(xifap))
		if err != nil {
			return ParsedObject{}, fmt.Errorf("decode metadata base64: %w", err)
		}
		metaPlain, err := open(*key, metaCipher)
		if err != nil {
			return ParsedObject{}, fmt.Errorf("decrypt metadata: %w", err)
		}
		meta, err := unmarshalMetadata(metaPlain)
		if err != nil {
			return ParsedObject{}, fmt.Errorf("parse metadata: %w", err)
		}

		bodyCipher, err := base64.StdEncoding.DecodeString(stripAllWhitespace(string(bodyRaw)))
		if err != nil {
			return ParsedObject{}, fmt.Errorf("decode payload base64: %w", err)
		}
		payload, err := open(*key, bodyCipher)
		if err != nil {
			return ParsedObject{}, fmt.Errorf("decrypt payload: %w", err)
		}
		if meta.Bytes >= 0 && meta.Bytes <= len(payload) {
			payload = payload[:meta.Bytes]
		}
		return ParsedObject{Metadata: meta, Payload: payload}, nil

	default:
		return ParsedObject{}, fmt.Errorf("unsupported content-transfer-encoding %q", cte)
	}
}

// ParseHeaderPrefix decodes just the metadata and path from a
// possibly-truncated header prefix, as used by the reverse-scan
// reconciliation (spec §4.4): given just the first N bytes of a
// message, it must yield at least metadata and path without needing
// the body. Returns truncated=true if the prefix did not contain a
// complete header block, signalling the caller to retry with a larger
// N rather than classifying the message broken outright.
func ParseHeaderPrefix(prefix []byte, key *[keySize]byte) (meta Metadata, truncated bool, err error) {
	if !bytes.Contains(prefix, []byte("\r\n\r\n")) && !bytes.Contains(prefix, []byte("\n\n")) {
		return Metadata{}, true, fmt.Errorf("header not terminated within prefix")
	}

	entity, rerr := message.Read(bytes.NewReader(prefix))
	if entity == nil {
		return Metadata{}, false, fmt.Errorf("read header: %w", rerr)
	}

	ct := entity.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(ct), contentTypeIFAP) {
		return Metadata{}, false, fmt.Errorf("unexpected content-type %q", ct)
	}

	cte := strings.ToLower(strings.TrimSpace(entity.Header.Get("Content-Transfer-Encoding")))
	xifap := entity.Header.Get(headerXIFAP)
	if xifap == "" {
		return Metadata{}, false, fmt.Errorf("missing %s header", headerXIFAP)
	}

	switch cte {
	case ctePlaintext:
		m, perr := unmarshalMetadata(stripOuterWhitespace(xifap))
		if perr != nil {
			return Metadata{}, false, fmt.Errorf("parse metadata: %w", perr)
		}
		if m.Path == "" {
			m.Path = entity.Header.Get("Subject")
		}
		return m, false, nil

	case cteEncrypted:
		if key == nil {
			return Metadata{}, false, fmt.Errorf("%w", ErrEncryptionRequired)
		}
		metaCipher, derr := base64.StdEncoding.DecodeString(stripAllWhitespace(xifap))
		if derr != nil {
			return Metadata{}, false, fmt.Errorf("decode metadata base64: %w", derr)
		}
		metaPlain, operr := open(*key, metaCipher)
		if operr != nil {
			return Metadata{}, false, fmt.Errorf("decrypt metadata: %w", operr)
		}
		m, perr := unmarshalMetadata(metaPlain)
		if perr != nil {
			return Metadata{}, false, fmt.Errorf("parse metadata: %w", perr)
		}
		return m, false, nil

	default:
		return Metadata{}, false, fmt.Errorf("unsupported content-transfer-encoding %q", cte)
	}
}

// reflowPreserve folds s by inserting CRLF + a one-space indent at
// each newline, preserving the original line breaks (plaintext mode).
func reflowPreserve(s string) string {
	lines := strings.Split(s, "\n")
	return strings.Join(lines, "\r\n ")
}

// reflowChunk splits s (assumed already whitespace-free, e.g. base64;
// it is not stripped here) into chunks of at most reflowWidth
// characters, joined with CRLF + a one-space indent (encrypted mode,
// and plaintext body encoding).
func reflowChunk(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i += reflowWidth {
		end := i + reflowWidth
		if end > len(s) {
			end = len(s)
		}
		if i > 0 {
			b.WriteString("\r\n ")
		}
		b.WriteString(s[i:end])
	}
	return b.String()
}

// stripOuterWhitespace trims leading and trailing whitespace of the
// whole string, leaving inner whitespace in place (used for
// plaintext-mode JSON, which tolerates whitespace between tokens).
func stripOuterWhitespace(s string) string {
	return strings.TrimSpace(s)
}

// stripAllWhitespace removes every whitespace character, used before
// base64-decoding a reflowed encrypted block or payload: encrypted
// content never legitimately contains whitespace, so any amount of
// folding can be undone by deleting it outright.
func stripAllWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}

// looksBase64Wrapped reports whether b appears to be base64 text
// rather than already-decoded binary. message.Read decodes the
// Content-Transfer-Encoding automatically for recognized encodings;
// this guards against library versions that instead pass the encoded
// text through unchanged.
func looksBase64Wrapped(b []byte) bool {
	for _, c := range b {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=' || c == ' ' || c == '\t' || c == '\r' || c == '\n':
		default:
			return false
		}
	}
	return len(b) > 0
}

// basename returns the last slash-separated segment of p.
func basename(p string) string {
	p = NormalizePath(p)
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// padSpaces pads payload with ASCII spaces to the next multiple of
// modulus bytes.
func padSpaces(payload []byte, modulus int) []byte {
	needed := (modulus - len(payload)%modulus) % modulus
	if needed == 0 {
		return payload
	}
	out := make([]byte, len(payload)+needed)
	copy(out, payload)
	for i := len(payload); i < len(out); i++ {
		out[i] = ' '
	}
	return out
}

func marshalMetadataPretty(meta Metadata) (string, error) {
	m := metadataToMap(meta)
	b, err := json.MarshalIndent(m, "", "  ")
	return string(b), err
}

func marshalMetadataCompact(meta Metadata) ([]byte, error) {
	m := metadataToMap(meta)
	return json.Marshal(m)
}

// metadataToMap flattens Metadata (typed fields + Extra) into a single
// map suitable for json.Marshal, so that user-defined keys round-trip
// alongside the protocol's own.
func metadataToMap(meta Metadata) map[string]any {
	m := make(map[string]any, len(meta.Extra)+7)
	for k, v := range meta.Extra {
		m[k] = v
	}
	if meta.Path != "" {
		m["fn"] = meta.Path
	}
	m["bytes"] = meta.Bytes
	if meta.Versions != 0 {
		m["versions"] = meta.Versions
	}
	if meta.Lock != nil {
		m["lock"] = map[string]any{
			"holder":     meta.Lock.HolderID,
			"expires_at": meta.Lock.ExpiresAt.Format(timeLayout),
		}
	}
	if meta.Deleted {
		m["del"] = true
	}
	if meta.Snapshot {
		m["snap"] = true
	}
	if meta.Padding != "" {
		m["_"] = meta.Padding
	}
	return m
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// unmarshalMetadata accepts either a string or []byte of JSON text.
func unmarshalMetadata[T string | []byte](data T) (Metadata, error) {
	var raw []byte
	switch v := any(data).(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, err
	}

	meta := Metadata{Extra: make(map[string]any)}
	for k, v := range m {
		switch k {
		case "fn":
			if s, ok := v.(string); ok {
				meta.Path = s
			}
		case "bytes":
			if f, ok := v.(float64); ok {
				meta.Bytes = int(f)
			}
		case "versions":
			if f, ok := v.(float64); ok {
				meta.Versions = int(f)
			}
		case "lock":
			if lm, ok := v.(map[string]any); ok {
				lr := &LockRecord{}
				if h, ok := lm["holder"].(string); ok {
					lr.HolderID = h
				}
				if e, ok := lm["expires_at"].(string); ok {
					if t, err := parseTime(e); err == nil {
						lr.ExpiresAt = t
					}
				}
				meta.Lock = lr
			}
		case "del":
			if b, ok := v.(bool); ok {
				meta.Deleted = b
			}
		case "snap":
			if b, ok := v.(bool); ok {
				meta.Snapshot = b
			}
		case "_":
			// Transport-only padding: dropped, never surfaced to callers.
		default:
			meta.Extra[k] = v
		}
	}
	return meta, nil
}
