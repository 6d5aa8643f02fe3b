package protocol

import (
	"io"
	"strconv"

	"github.com/valyala/bytebufferpool"

	"github.com/nczempin/httpengine/errors"
)

type messageState int

const (
	stateOutbound messageState = iota
	stateIdle
	stateAwaitingHeaders
	stateParsingBody
	stateComplete
	stateFinalized
)

func (s messageState) String() string {
	switch s {
	case stateOutbound:
		return "outbound"
	case stateIdle:
		return "idle"
	case stateAwaitingHeaders:
		return "awaiting-headers"
	case stateParsingBody:
		return "parsing-body"
	case stateComplete:
		return "complete"
	case stateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// message is the part shared by Request and Response: a header collection,
// a body and the staged parse lifecycle.
type message struct {
	header *HeaderCollection
	body   []byte
	state  messageState

	// content returns the body framing once headers are known
	content     func(h *HeaderCollection) ContentConfig
	parser      *ContentParser
	readToClose bool
	remainder   []byte
}

func (m *message) beginParse() error {
	if m.state != stateIdle {
		return errors.NewInvalidStateError("BeginParse called in state " + m.state.String())
	}
	if err := m.header.BeginParse(); err != nil {
		return err
	}
	m.state = stateAwaitingHeaders
	return nil
}

// parse feeds data and reports whether the message is complete
func (m *message) parse(data []byte) (bool, error) {
	switch m.state {
	case stateAwaitingHeaders:
		found, err := m.header.Parse(data)
		if err != nil || !found {
			return false, err
		}
		raw, offset, err := m.header.EndParse()
		if err != nil {
			return false, err
		}
		m.parser = NewContentParser(m.header, m.content(m.header))
		m.state = stateParsingBody
		done, err := m.parser.BeginParse(raw, offset)
		if err != nil {
			return false, err
		}
		if done {
			return true, m.complete()
		}
		return false, nil

	case stateParsingBody:
		done, err := m.parser.Parse(data)
		if err != nil {
			return false, err
		}
		if done {
			return true, m.complete()
		}
		return false, nil

	default:
		return false, errors.NewInvalidStateError("Parse called in state " + m.state.String())
	}
}

func (m *message) complete() error {
	body, err := m.parser.EndParse()
	if err != nil {
		return err
	}
	m.body = body
	m.readToClose = m.parser.ReadToClose()
	m.remainder = m.parser.Remainder()
	m.parser = nil
	m.state = stateComplete
	return nil
}

func (m *message) endParse() error {
	if m.state != stateComplete {
		return errors.NewInvalidStateError("EndParse called in state " + m.state.String())
	}
	m.state = stateFinalized
	return nil
}

// wantsClose honors Connection: close and HTTP/1.0 without keep-alive
func (m *message) wantsClose() bool {
	if m.readToClose || m.header.HasToken(HeaderConnection, "close") {
		return true
	}
	if m.header.Version().Less(Version11) {
		return !m.header.HasToken(HeaderConnection, "keep-alive")
	}
	return false
}

// appendTo serializes the message. Content-Length always reflects the body.
func (m *message) appendTo(dst []byte) []byte {
	m.header.Del(HeaderTransferEncoding)
	m.header.Set(HeaderContentLength, strconv.Itoa(len(m.body)))
	dst = m.header.AppendBytes(dst)
	return append(dst, m.body...)
}

func (m *message) serializable() error {
	if m.state != stateOutbound && m.state != stateFinalized {
		return errors.NewInvalidStateError("cannot serialize message in state " + m.state.String())
	}
	return nil
}

func (m *message) writeTo(w io.Writer) (int64, error) {
	if err := m.serializable(); err != nil {
		return 0, err
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = m.appendTo(buf.B)
	n, err := w.Write(buf.B)
	return int64(n), err
}

func (m *message) bytes() ([]byte, error) {
	if err := m.serializable(); err != nil {
		return nil, err
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = m.appendTo(buf.B)
	return append([]byte(nil), buf.B...), nil
}
