package message

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"net/textproto"
)

var ErrHeader = errors.New("bad message header")

// ParseHeader parses the header section of a message read from r. Reading
// stops at the header/body separator, the body is not read. Folded header
// values are unfolded.
func ParseHeader(r io.Reader) (textproto.MIMEHeader, error) {
	// net/mail handles email headers, textproto.ReadMIMEHeader is meant for HTTP.
	msg, err := mail.ReadMessage(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeader, err)
	}
	return textproto.MIMEHeader(msg.Header), nil
}
