package telegram

import (
	"sync"

	"github.com/digkill/CreatorBot/internal/models"
)

const maxReferenceImages = 4

// Session is what the bot remembers about a chat between messages.
type Session struct {
	Mode          models.JobKind
	ReferenceURLs []string
}

type StateManager struct {
	mu       sync.Mutex
	sessions map[int64]*Session
}

func NewStateManager() *StateManager {
	return &StateManager{sessions: make(map[int64]*Session)}
}

// Get returns a copy; chats that never picked a mode are in chat mode.
func (m *StateManager) Get(chatID int64) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[chatID]
	if !ok {
		return Session{Mode: models.KindChat}
	}
	return Session{Mode: s.Mode, ReferenceURLs: append([]string(nil), s.ReferenceURLs...)}
}

func (m *StateManager) SetMode(chatID int64, mode models.JobKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session(chatID).Mode = mode
}

// AddReference keeps the newest maxReferenceImages URLs and returns how many are held.
func (m *StateManager) AddReference(chatID int64, url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(chatID)
	s.ReferenceURLs = append(s.ReferenceURLs, url)
	if len(s.ReferenceURLs) > maxReferenceImages {
		s.ReferenceURLs = s.ReferenceURLs[len(s.ReferenceURLs)-maxReferenceImages:]
	}
	return len(s.ReferenceURLs)
}

func (m *StateManager) ClearReferences(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[chatID]; ok {
		s.ReferenceURLs = nil
	}
}

func (m *StateManager) session(chatID int64) *Session {
	s, ok := m.sessions[chatID]
	if !ok {
		s = &Session{Mode: models.KindChat}
		m.sessions[chatID] = s
	}
	return s
}
