package wire

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownType    = errors.New("unknown message type")
	ErrMissingField   = errors.New("missing required field")
	ErrFrameTooLarge  = errors.New("frame too large")
)

type header struct {
	Type Type `json:"type"`
}

// Decode parses a single JSON frame and returns the concrete variant.
//
// It fails with ErrInvalidMessage on malformed records, ErrUnknownType on
// unrecognized discriminators and ErrMissingField when a required field of
// the decoded variant is absent. Callers switch exhaustively on the result.
func Decode(b []byte) (any, error) {
	if len(b) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	// A frame is a single JSON object. Unmarshal alone would accept
	// null or a bare scalar and leave the header zeroed.
	if !isObject(b) {
		return nil, ErrInvalidMessage
	}
	var h header
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, ErrInvalidMessage
	}

	switch h.Type {
	case TypeRegister:
		var m Register
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ErrInvalidMessage
		}
		if err := validateRegister(&m); err != nil {
			return nil, err
		}
		return &m, nil

	case TypeRegistered:
		var m Registered
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ErrInvalidMessage
		}
		if err := validateRegistered(&m); err != nil {
			return nil, err
		}
		return &m, nil

	case TypeRequest:
		var m Request
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ErrInvalidMessage
		}
		if err := validateRequest(&m); err != nil {
			return nil, err
		}
		return &m, nil

	case TypeResponse:
		var m Response
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ErrInvalidMessage
		}
		if err := validateResponse(&m); err != nil {
			return nil, err
		}
		return &m, nil

	case TypeData:
		var m Data
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ErrInvalidMessage
		}
		if err := validateData(&m); err != nil {
			return nil, err
		}
		return &m, nil

	case TypeEnd:
		var m End
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ErrInvalidMessage
		}
		if err := validateEnd(&m); err != nil {
			return nil, err
		}
		return &m, nil

	case TypeExpired:
		var m Expired
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ErrInvalidMessage
		}
		return &m, nil

	default:
		return nil, ErrUnknownType
	}
}

func isObject(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return c == '{'
		}
	}
	return false
}

func validateRegister(m *Register) error {
	if m.Path == "" {
		return ErrMissingField
	}
	if m.ExpiresAt <= 0 {
		return ErrMissingField
	}
	return nil
}

func validateRegistered(m *Registered) error {
	if m.SessionID == "" {
		return ErrMissingField
	}
	if m.URL == "" {
		return ErrMissingField
	}
	return nil
}

func validateRequest(m *Request) error {
	if m.ID == "" {
		return ErrMissingField
	}
	if m.Method == "" {
		return ErrMissingField
	}
	if m.Method != http.MethodGet && m.Method != http.MethodHead {
		return ErrInvalidMessage
	}
	if m.Path == "" {
		return ErrMissingField
	}
	return nil
}

func validateResponse(m *Response) error {
	if m.ID == "" {
		return ErrMissingField
	}
	if m.Status < 100 || m.Status > 599 {
		return ErrInvalidMessage
	}
	if m.Headers == nil {
		return ErrMissingField
	}
	return nil
}

func validateData(m *Data) error {
	// Empty chunk is valid; only the ID is required.
	if m.ID == "" {
		return ErrMissingField
	}
	return nil
}

func validateEnd(m *End) error {
	if m.ID == "" {
		return ErrMissingField
	}
	return nil
}
