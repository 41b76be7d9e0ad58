package websocket

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
)

const defaultSendBuffer = 256

// Manager - реестр WebSocket соединений с индексами по пользователю и сессии.
//
// Отправка выполняется под RLock неблокирующей записью в буфер клиента,
// а закрытие буфера - только под Lock, поэтому запись в закрытый канал
// невозможна. Клиент с заполненным буфером отключается и не тормозит остальных.
type Manager struct {
	mu           sync.RWMutex
	clients      map[uuid.UUID]*Client
	userClients  map[uuid.UUID]map[uuid.UUID]*Client // личные комнаты
	sessionRooms map[uuid.UUID]map[uuid.UUID]*Client // комнаты сессий
	sendBuffer   int
}

// NewManager создает новый экземпляр Manager
func NewManager(sendBuffer int) *Manager {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Manager{
		clients:      make(map[uuid.UUID]*Client),
		userClients:  make(map[uuid.UUID]map[uuid.UUID]*Client),
		sessionRooms: make(map[uuid.UUID]map[uuid.UUID]*Client),
		sendBuffer:   sendBuffer,
	}
}

// AddClient регистрирует нового клиента в его личной комнате
func (m *Manager) AddClient(client *Client) {
	m.mu.Lock()
	m.clients[client.ID] = client
	if _, exists := m.userClients[client.UserID]; !exists {
		m.userClients[client.UserID] = make(map[uuid.UUID]*Client)
	}
	m.userClients[client.UserID][client.ID] = client
	m.mu.Unlock()

	log.Printf("WebSocket client %s connected for user %s", client.ID, client.UserID)
}

// RemoveClient удаляет клиента из всех комнат и закрывает его буфер
func (m *Manager) RemoveClient(clientID uuid.UUID) {
	m.mu.Lock()
	client, exists := m.clients[clientID]
	if exists {
		m.detachLocked(client)
	}
	m.mu.Unlock()

	if exists {
		log.Printf("WebSocket client %s disconnected for user %s", clientID, client.UserID)
	}
}

// detachLocked вызывается под m.mu.Lock
func (m *Manager) detachLocked(client *Client) {
	delete(m.clients, client.ID)

	if clients, ok := m.userClients[client.UserID]; ok {
		delete(clients, client.ID)
		if len(clients) == 0 {
			delete(m.userClients, client.UserID)
		}
	}

	for sessionID := range client.sessions {
		m.leaveLocked(client, sessionID)
	}

	if !client.closed {
		client.closed = true
		close(client.send)
	}
}

// JoinSession добавляет клиента в комнату сессии. Повторный вызов ничего не меняет.
func (m *Manager) JoinSession(client *Client, sessionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[client.ID]; !ok {
		return false
	}
	room, ok := m.sessionRooms[sessionID]
	if !ok {
		room = make(map[uuid.UUID]*Client)
		m.sessionRooms[sessionID] = room
	}
	room[client.ID] = client
	client.sessions[sessionID] = struct{}{}
	return true
}

// LeaveSession убирает клиента из комнаты сессии
func (m *Manager) LeaveSession(client *Client, sessionID uuid.UUID) {
	m.mu.Lock()
	m.leaveLocked(client, sessionID)
	m.mu.Unlock()
}

func (m *Manager) leaveLocked(client *Client, sessionID uuid.UUID) {
	delete(client.sessions, sessionID)
	if room, ok := m.sessionRooms[sessionID]; ok {
		delete(room, client.ID)
		if len(room) == 0 {
			delete(m.sessionRooms, sessionID)
		}
	}
}

// closeRoom распускает комнату удалённой сессии
func (m *Manager) closeRoom(sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, client := range m.sessionRooms[sessionID] {
		delete(client.sessions, sessionID)
	}
	delete(m.sessionRooms, sessionID)
}

// InSessionRoom сообщает, есть ли у пользователя соединение в комнате сессии
func (m *Manager) InSessionRoom(sessionID, userID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inRoomLocked(sessionID, userID)
}

func (m *Manager) inRoomLocked(sessionID, userID uuid.UUID) bool {
	for _, client := range m.sessionRooms[sessionID] {
		if client.UserID == userID {
			return true
		}
	}
	return false
}

// BroadcastToSession отправляет событие всем соединениям в комнате сессии,
// кроме exclude (uuid.Nil - без исключений)
func (m *Manager) BroadcastToSession(sessionID uuid.UUID, event Event, exclude uuid.UUID) {
	data, ok := marshalEvent(event)
	if !ok {
		return
	}

	m.mu.RLock()
	var slow []*Client
	for id, client := range m.sessionRooms[sessionID] {
		if id == exclude {
			continue
		}
		if !m.enqueueLocked(client, data) {
			slow = append(slow, client)
		}
	}
	m.mu.RUnlock()

	m.dropSlow(slow)
}

// NotifyUser отправляет событие во все соединения пользователя
func (m *Manager) NotifyUser(userID uuid.UUID, event Event) {
	if userID == uuid.Nil {
		return
	}
	data, ok := marshalEvent(event)
	if !ok {
		return
	}

	m.mu.RLock()
	var slow []*Client
	for _, client := range m.userClients[userID] {
		if !m.enqueueLocked(client, data) {
			slow = append(slow, client)
		}
	}
	m.mu.RUnlock()

	m.dropSlow(slow)
}

// SendToClient отправляет событие одному соединению
func (m *Manager) SendToClient(client *Client, event Event) {
	data, ok := marshalEvent(event)
	if !ok {
		return
	}

	m.mu.RLock()
	var slow []*Client
	if _, registered := m.clients[client.ID]; registered && !m.enqueueLocked(client, data) {
		slow = append(slow, client)
	}
	m.mu.RUnlock()

	m.dropSlow(slow)
}

// enqueueLocked вызывается под m.mu.RLock; false - буфер клиента заполнен
func (m *Manager) enqueueLocked(client *Client, data []byte) bool {
	if client.closed {
		return true
	}
	select {
	case client.send <- data:
		return true
	default:
		return false
	}
}

func (m *Manager) dropSlow(slow []*Client) {
	for _, client := range slow {
		log.Printf("Send channel full for client %s, closing connection", client.ID)
		m.RemoveClient(client.ID)
		client.conn.Close()
	}
}

// ClientCount возвращает число активных соединений
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Shutdown корректно завершает работу менеджера WebSocket
func (m *Manager) Shutdown() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
		m.detachLocked(client)
	}
	m.mu.Unlock()

	for _, client := range clients {
		client.conn.Close()
	}
}

func marshalEvent(event Event) ([]byte, bool) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error marshaling event: %v", err)
		return nil, false
	}
	return data, true
}
