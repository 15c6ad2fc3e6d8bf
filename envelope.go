package tryst

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"southwinds.dev/tryst/internal/misc"
)

// Envelope field names, in emission order
const (
	fieldVersion   = "Version"
	fieldEncoding  = "Encoding"
	fieldMetadata  = "Metadata"
	fieldKeyWrap   = "Key-Wrap"
	fieldIV        = "IV"
	fieldPayload   = "Payload"
	fieldSignature = "Signature"

	envelopeEncoding = "base64"
)

var requiredFields = []string{fieldVersion, fieldMetadata, fieldKeyWrap, fieldIV, fieldPayload}

// Envelope is the wire unit exchanged between peers. Binary fields hold raw
// bytes; base64 only exists in the text form.
type Envelope struct {
	Version   int
	Metadata  []byte
	KeyWrap   []byte
	IV        []byte
	Payload   []byte
	Signature []byte
}

func armorBegin(product string) string {
	return fmt.Sprintf("-----BEGIN %s ENCRYPTED MESSAGE-----", product)
}

func armorEnd(product string) string {
	return fmt.Sprintf("-----END %s ENCRYPTED MESSAGE-----", product)
}

// Marshal renders the text block with fields in canonical order
func (e *Envelope) Marshal(product string) string {
	enc := base64.StdEncoding.EncodeToString

	var b strings.Builder
	b.WriteString(armorBegin(product))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "%s: %d\n", fieldVersion, e.Version)
	fmt.Fprintf(&b, "%s: %s\n", fieldEncoding, envelopeEncoding)
	fmt.Fprintf(&b, "%s: %s\n", fieldMetadata, enc(e.Metadata))
	fmt.Fprintf(&b, "%s: %s\n", fieldKeyWrap, enc(e.KeyWrap))
	fmt.Fprintf(&b, "%s: %s\n", fieldIV, enc(e.IV))
	fmt.Fprintf(&b, "%s: %s\n", fieldPayload, enc(e.Payload))
	if len(e.Signature) > 0 {
		fmt.Fprintf(&b, "%s: %s\n", fieldSignature, enc(e.Signature))
	}
	b.WriteString(armorEnd(product))
	b.WriteByte('\n')
	return b.String()
}

// ParseEnvelope reads a text block produced by Marshal. Field order is not
// significant. Any structural problem is reported as ErrMalformedEnvelope.
func ParseEnvelope(text, product string) (*Envelope, error) {
	fields, err := scanArmor(text, product)
	if err != nil {
		return nil, err
	}

	for _, name := range requiredFields {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, name)
		}
	}

	version, err := strconv.Atoi(fields[fieldVersion])
	if err != nil || version != misc.EnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedEnvelope, fields[fieldVersion])
	}
	if encoding, ok := fields[fieldEncoding]; ok && encoding != envelopeEncoding {
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrMalformedEnvelope, encoding)
	}

	e := &Envelope{Version: version}
	targets := []struct {
		name     string
		dst      *[]byte
		optional bool
	}{
		{fieldMetadata, &e.Metadata, false},
		{fieldKeyWrap, &e.KeyWrap, false},
		{fieldIV, &e.IV, false},
		{fieldPayload, &e.Payload, false},
		{fieldSignature, &e.Signature, true},
	}
	for _, t := range targets {
		value, ok := fields[t.name]
		if !ok && t.optional {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s is not valid base64", ErrMalformedEnvelope, t.name)
		}
		if len(decoded) == 0 && !t.optional {
			return nil, fmt.Errorf("%w: %s is empty", ErrMalformedEnvelope, t.name)
		}
		*t.dst = decoded
	}
	return e, nil
}

// scanArmor checks the header and footer and collects the Key: value lines
// between them. Unknown keys are kept; repeated keys are rejected.
func scanArmor(text, product string) (map[string]string, error) {
	begin, end := armorBegin(product), armorEnd(product)

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	fields := make(map[string]string)
	state := 0 // 0 before header, 1 inside, 2 after footer
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch state {
		case 0:
			if line != begin {
				return nil, fmt.Errorf("%w: missing header", ErrMalformedEnvelope)
			}
			state = 1
		case 1:
			if line == end {
				state = 2
				continue
			}
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				return nil, fmt.Errorf("%w: line without key", ErrMalformedEnvelope)
			}
			key = strings.TrimSpace(key)
			if _, dup := fields[key]; dup {
				return nil, fmt.Errorf("%w: duplicate %s", ErrMalformedEnvelope, key)
			}
			fields[key] = strings.TrimSpace(value)
		case 2:
			return nil, fmt.Errorf("%w: data after footer", ErrMalformedEnvelope)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if state != 2 {
		return nil, fmt.Errorf("%w: missing footer", ErrMalformedEnvelope)
	}
	return fields, nil
}
