package registration

import (
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
)

// responseView — реализация Message поверх sip.Response
type responseView struct {
	res *sip.Response
}

func newResponseView(res *sip.Response) Message {
	return &responseView{res: res}
}

func (v *responseView) StatusCode() int {
	return int(v.res.StatusCode)
}

func (v *responseView) Expires() (int, bool) {
	h := v.res.GetHeader("Expires")
	if h == nil {
		return 0, false
	}
	if eh, ok := h.(*sip.ExpiresHeader); ok {
		return int(*eh), true
	}
	n, err := strconv.Atoi(h.Value())
	if err != nil {
		return 0, false
	}
	return n, true
}

func (v *responseView) ContactExpires() []int {
	var out []int
	for _, h := range v.res.GetHeaders("Contact") {
		ch, ok := h.(*sip.ContactHeader)
		if !ok {
			continue
		}
		val, ok := ch.Params.Get("expires")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (v *responseView) ReceivedAddress() (string, uint16, bool) {
	h := v.res.GetHeader("Via")
	via, ok := h.(*sip.ViaHeader)
	if !ok {
		return "", 0, false
	}

	received, ok := via.Params.Get("received")
	if !ok || received == "" {
		return "", 0, false
	}

	var port uint16
	if rport, ok := via.Params.Get("rport"); ok && rport != "" {
		if n, err := strconv.Atoi(rport); err == nil && n > 0 && n <= 65535 {
			port = uint16(n)
		}
	}
	return received, port, true
}

func (v *responseView) Date() (time.Time, bool) {
	h := v.res.GetHeader("Date")
	if h == nil {
		return time.Time{}, false
	}
	// SIP-date — формат RFC 1123 с зоной GMT
	t, err := time.Parse(time.RFC1123, h.Value())
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
