// manager.go agrega os canais registrados em um único stream de mensagens
// e despacha cada mensagem recebida para o handler, com concorrência
// limitada.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Handler processa uma mensagem recebida.
type Handler func(ctx context.Context, msg *IncomingMessage)

// Manager orquestra os canais: conecta, agrega mensagens e despacha.
type Manager struct {
	channels map[string]Channel
	messages chan *IncomingMessage
	logger   *slog.Logger

	// listenWg acompanha as goroutines de escuta para fechar messages com
	// segurança.
	listenWg sync.WaitGroup

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager cria um gerenciador vazio.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adiciona um canal. Deve ser chamado antes de Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Start conecta os canais e começa a escutar. Falhas de conexão são
// logadas; só é erro quando nenhum canal conecta.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	snapshot := make(map[string]Channel, len(m.channels))
	for k, v := range m.channels {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		m.logger.Warn("no channels registered")
		return nil
	}

	connected := 0
	for name, ch := range snapshot {
		if err := ch.Connect(m.ctx); err != nil {
			m.logger.Error("failed to connect channel", "channel", name, "error", err)
			continue
		}
		connected++
		m.logger.Info("channel connected", "channel", name)

		m.listenWg.Add(1)
		go func(c Channel) {
			defer m.listenWg.Done()
			m.listen(c)
		}(ch)
	}

	if connected == 0 {
		return fmt.Errorf("no channel connected")
	}
	return nil
}

// Stop desconecta os canais e fecha o stream agregado, encerrando Dispatch.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Error("failed to disconnect channel", "channel", name, "error", err)
		}
	}
	m.mu.RUnlock()

	m.listenWg.Wait()
	close(m.messages)
	m.logger.Info("channels stopped")
}

// Messages retorna o stream agregado.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

// Dispatch entrega cada mensagem a handle em sua própria goroutine, no
// máximo maxConcurrent por vez, até o stream fechar ou ctx terminar. Espera
// os handlers em andamento antes de retornar.
func (m *Manager) Dispatch(ctx context.Context, handle Handler, maxConcurrent int) {
	if maxConcurrent <= 0 {
		maxConcurrent = 32
	}
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.messages:
			if !ok {
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				defer func() {
					if r := recover(); r != nil {
						m.logger.Error("panic in message handler",
							"channel", msg.Channel, "panic", r, "stack", string(debug.Stack()))
					}
				}()
				handle(ctx, msg)
			}()
		}
	}
}

// Send envia pelo canal nomeado.
func (m *Manager) Send(ctx context.Context, channelName, to string, msg *OutgoingMessage) error {
	m.mu.RLock()
	ch, exists := m.channels[channelName]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %q not found", channelName)
	}
	if !ch.IsConnected() {
		return fmt.Errorf("channel %q: %w", channelName, ErrChannelDisconnected)
	}
	return ch.Send(ctx, to, msg)
}

// Channel retorna um canal pelo nome.
func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// HealthAll retorna o estado de todos os canais.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	statuses := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		statuses[name] = ch.Health()
	}
	return statuses
}

func (m *Manager) listen(ch Channel) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg, ok := <-ch.Receive():
			if !ok {
				return
			}
			select {
			case m.messages <- msg:
			case <-m.ctx.Done():
				return
			}
		}
	}
}

// BoundSender envia sempre pelo mesmo canal.
type BoundSender struct {
	m    *Manager
	name string
}

// Sender retorna um sender preso ao canal name.
func (m *Manager) Sender(name string) *BoundSender {
	return &BoundSender{m: m, name: name}
}

// Send envia pelo canal associado.
func (s *BoundSender) Send(ctx context.Context, to string, msg *OutgoingMessage) error {
	return s.m.Send(ctx, s.name, to, msg)
}

// SendTyping envia o indicador de digitação quando o canal suporta.
func (s *BoundSender) SendTyping(ctx context.Context, to string) error {
	ch, ok := s.m.Channel(s.name)
	if !ok {
		return fmt.Errorf("channel %q not found", s.name)
	}
	if pc, ok := ch.(PresenceChannel); ok {
		return pc.SendTyping(ctx, to)
	}
	return nil
}
