package registration

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// Contact — один регистрируемый контакт
type Contact struct {
	// Host и Port — адрес, по которому регистратор должен нас достигать
	Host string
	Port uint16
	// Transport — транспорт контакта
	Transport Transport
	// Q — предпочтение контакта в упорядоченном списке
	Q float32
}

// Header строит SIP заголовок Contact с параметрами reg-id и
// +sip.instance (RFC 5626).
func (c Contact) Header(id Identity) *sip.ContactHeader {
	params := sip.NewParams()
	params = params.Add("transport", string(c.Transport))

	hdr := &sip.ContactHeader{
		Address: sip.Uri{
			User:      id.PhoneNumber,
			Host:      c.Host,
			Port:      int(c.Port),
			UriParams: params,
		},
		Params: sip.NewParams().
			Add("q", fmt.Sprintf("%.1f", c.Q)).
			Add("reg-id", fmt.Sprintf("%d", id.RegistrationID)).
			Add("+sip.instance", fmt.Sprintf("\"<urn:uuid:%s>\"", id.InstanceGUID)),
	}
	return hdr
}

// contactGenerate строит набор контактов из рефлексивного адреса.
// При нулевом рефлексивном порте используется локальный слушающий порт.
func contactGenerate(settings RegistrarSettings, reflexiveHost string, reflexivePort uint16) []Contact {
	port := settings.LocalSIPPort
	if reflexivePort != 0 {
		port = reflexivePort
	}
	return []Contact{{
		Host:      reflexiveHost,
		Port:      port,
		Transport: settings.Transport,
		Q:         1.0,
	}}
}
