package registration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

// NewSIPClientFactory возвращает фабрику клиентов регистрации поверх
// sipgo. Один клиент обслуживает последовательность операций к одному
// регистратору и переиспользует соединение.
func NewSIPClientFactory(ua *sipgo.UserAgent, logger *slog.Logger) ClientFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(settings RegistrarSettings, id Identity, cb StateFunc) (Client, error) {
		cli, err := sipgo.NewClient(ua, sipgo.WithClientNAT())
		if err != nil {
			return nil, fmt.Errorf("sip client create: %w", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		return &sipClient{
			client:   cli,
			settings: settings,
			id:       id,
			cb:       cb,
			log:      logger.With(slog.String("component", "sipregclient")),
			ctx:      ctx,
			cancel:   cancel,
		}, nil
	}
}

type sipClient struct {
	client   *sipgo.Client
	settings RegistrarSettings
	id       Identity
	cb       StateFunc
	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	mu             sync.Mutex
	inflight       bool
	challenge      *digest.Challenge
	proxyChallenge bool
	// рефлексивный адрес из последнего ответа; подставляется в Via
	// исходящих запросов, чтобы для регистратора мы выглядели без NAT
	recvHost string
	recvPort uint16
}

func (c *sipClient) registrarURI() sip.Uri {
	return sip.Uri{
		Host: c.settings.ProxyAddress,
		Port: int(c.settings.ProxyPort),
		UriParams: sip.NewParams().
			Add("transport", string(c.settings.Transport)),
	}
}

// Request строит и отправляет REGISTER для операции op. Ответ
// доставляется асинхронно через StateFunc.
func (c *sipClient) Request(op Operation, contacts []Contact, withAuth bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return ErrTerminated
	}
	if c.inflight {
		return fmt.Errorf("operation %s already in flight", op)
	}

	req, err := c.buildRequest(op, contacts, withAuth)
	if err != nil {
		return err
	}

	c.inflight = true
	go c.run(op, req)
	return nil
}

func (c *sipClient) buildRequest(op Operation, contacts []Contact, withAuth bool) (*sip.Request, error) {
	target := c.registrarURI()
	req := sip.NewRequest(sip.REGISTER, target)

	aor := sip.Uri{User: c.id.PhoneNumber, Host: c.settings.ProxyAddress}
	req.AppendHeader(&sip.ToHeader{Address: aor})
	req.AppendHeader(&sip.FromHeader{
		Address: aor,
		Params:  sip.NewParams().Add("tag", uuid.NewString()[:8]),
	})
	req.AppendHeader(sip.NewHeader("Supported", "path"))

	max := len(contacts)
	if c.settings.MaxContacts > 0 && max > c.settings.MaxContacts {
		max = c.settings.MaxContacts
	}
	for _, contact := range contacts[:max] {
		req.AppendHeader(contact.Header(c.id))
	}

	switch op {
	case OpUnregister, OpUnregisterInvalid:
		expires := sip.ExpiresHeader(0)
		req.AppendHeader(&expires)
	}

	// подставляем рефлексивный адрес в Via, чтобы сервер не считал
	// нас находящимися за NAT
	if c.recvHost != "" {
		via := &sip.ViaHeader{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Transport:       string(c.settings.Transport),
			Host:            c.recvHost,
			Port:            int(c.recvPort),
			Params: sip.NewParams().
				Add("branch", "z9hG4bK."+uuid.NewString()[:13]).
				Add("alias", "").
				Add("rport", ""),
		}
		req.AppendHeader(via)
	}

	if withAuth {
		if c.challenge == nil {
			return nil, fmt.Errorf("no authentication challenge to answer")
		}
		cred, err := digest.Digest(c.challenge, digest.Options{
			Method:   sip.REGISTER.String(),
			URI:      aor.String(),
			Username: c.settings.User,
			Password: c.settings.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("digest answer: %w", err)
		}
		header := "Authorization"
		if c.challengeFromProxy() {
			header = "Proxy-Authorization"
		}
		req.AppendHeader(sip.NewHeader(header, cred.String()))
	}

	return req, nil
}

func (c *sipClient) challengeFromProxy() bool {
	return c.proxyChallenge
}

// run ведет транзакцию до финального ответа
func (c *sipClient) run(op Operation, req *sip.Request) {
	c.cb(ClientRegistering, nil, nil)

	tx, err := c.client.TransactionRequest(c.ctx, req)
	if err != nil {
		c.sendFailed(err)
		return
	}
	defer tx.Terminate()

	for {
		select {
		case <-c.ctx.Done():
			c.finish()
			c.confirmTerminated()
			return

		case <-tx.Done():
			c.finish()
			// отмена могла проиграть гонку завершению транзакции:
			// подтверждение Terminate важнее отчета об отказе
			if c.ctx.Err() != nil {
				c.confirmTerminated()
				return
			}
			c.cb(ClientFailed, nil, NewError(408, "transaction timeout", true, false))
			return

		case res := <-tx.Responses():
			if res == nil {
				c.finish()
				if c.ctx.Err() != nil {
					c.confirmTerminated()
					return
				}
				c.cb(ClientFailed, nil, NewError(0, "transaction closed", false, true))
				return
			}
			if res.StatusCode < 200 {
				continue
			}
			c.handleFinal(op, res)
			return
		}
	}
}

// sendFailed классифицирует ошибку запуска транзакции: отмена во время
// запуска — это подтверждение Terminate, а не сетевой сбой
func (c *sipClient) sendFailed(err error) {
	c.finish()
	if c.ctx.Err() != nil {
		c.confirmTerminated()
		return
	}
	c.cb(ClientMsgSendFailure, nil, NewError(0, err.Error(), false, true))
}

func (c *sipClient) confirmTerminated() {
	_ = c.client.Close()
	c.cb(ClientTerminated, nil, nil)
}

func (c *sipClient) handleFinal(op Operation, res *sip.Response) {
	c.finish()

	// финальный ответ, проигравший гонку отмене, не отменяет Terminate
	if c.ctx.Err() != nil {
		c.confirmTerminated()
		return
	}

	view := newResponseView(res)
	code := int(res.StatusCode)
	c.log.Debug("final response",
		slog.String("op", op.String()),
		slog.Int("code", code))

	switch {
	case code == 401 || code == 407:
		headerName := "WWW-Authenticate"
		proxy := false
		if code == 407 {
			headerName = "Proxy-Authenticate"
			proxy = true
		}
		h := res.GetHeader(headerName)
		if h == nil {
			c.cb(ClientFailed, view, NewError(code, "challenge without auth header", false, false))
			return
		}
		challenge, err := digest.ParseChallenge(h.Value())
		if err != nil {
			c.cb(ClientFailed, view, NewError(code, "bad challenge: "+err.Error(), false, false))
			return
		}
		c.mu.Lock()
		c.challenge = challenge
		c.proxyChallenge = proxy
		c.mu.Unlock()
		c.cb(ClientUnauthenticated, view, nil)

	case code >= 300 && code < 400:
		c.cb(ClientRedirected, view, nil)

	case code >= 200 && code < 300:
		if host, port, ok := view.ReceivedAddress(); ok {
			c.mu.Lock()
			c.recvHost, c.recvPort = host, port
			c.mu.Unlock()
		}
		c.cb(ClientRegistered, view, nil)

	default:
		c.cb(ClientFailed, view, NewError(code, res.Reason, false, false))
	}
}

func (c *sipClient) finish() {
	c.mu.Lock()
	c.inflight = false
	c.mu.Unlock()
}

// Terminate асинхронно завершает клиента. Подтверждение приходит
// через StateFunc со состоянием ClientTerminated.
func (c *sipClient) Terminate() {
	c.mu.Lock()
	inflight := c.inflight
	c.cancel()
	c.mu.Unlock()

	if !inflight {
		// операция не в полете: транзакционная горутина подтверждение
		// не отправит, делаем это сами
		go c.confirmTerminated()
	}
}
