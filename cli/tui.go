package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fahmaliyi/keyvault/vault"
)

type viewState int

const (
	stateTable viewState = iota
	stateShowEntry
	stateAddEntry
)

type model struct {
	session    *Session
	entries    []vault.Entry
	cursor     int
	state      viewState
	textInputs []textinput.Model
	selected   *vault.Entry
	revealed   bool
	msg        string
}

type clearMsg struct{}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Underline(true)
	msgStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("57")).Foreground(lipgloss.Color("0"))
)

// RunTUI starts the interactive list view over s.
func RunTUI(s *Session) error {
	s.defaults()
	m := newModel(s)
	_, err := tea.NewProgram(m).Run()
	return err
}

func newModel(s *Session) model {
	m := model{session: s, state: stateTable}
	m.refresh()
	return m
}

func (m *model) refresh() {
	rec, err := m.session.Repo.Load(context.Background(), m.session.UserID, m.session.Key)
	if err != nil {
		m.msg = errStyle.Render(err.Error())
		m.entries = nil
		return
	}
	m.entries = rec.Entries
	if m.cursor >= len(m.entries) && m.cursor > 0 {
		m.cursor = len(m.entries) - 1
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if _, ok := msg.(clearMsg); ok {
		m.msg = ""
		m.revealed = false
		return m, nil
	}
	switch m.state {
	case stateShowEntry:
		return updateShowEntry(m, msg)
	case stateAddEntry:
		return updateAddEntry(m, msg)
	default:
		return updateTable(m, msg)
	}
}

func (m model) View() string {
	switch m.state {
	case stateShowEntry:
		return viewShowEntry(m)
	case stateAddEntry:
		return viewAddEntry(m)
	default:
		return viewTable(m)
	}
}

func clearAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return clearMsg{} })
}

// --- Table ---
func updateTable(m model, msg tea.Msg) (model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "j", "down":
		if m.cursor < len(m.entries)-1 {
			m.cursor++
		}
	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}
	case "enter":
		if len(m.entries) > 0 {
			e := m.entries[m.cursor]
			m.selected = &e
			m.state = stateShowEntry
		}
	case "a":
		m.textInputs = newEntryInputs()
		m.state = stateAddEntry
	case "d":
		if len(m.entries) == 0 {
			break
		}
		e := m.entries[m.cursor]
		if err := m.session.Repo.RemoveEntry(context.Background(), m.session.UserID, e.ID, m.session.Key); err != nil {
			m.msg = errStyle.Render(err.Error())
			break
		}
		m.refresh()
	case "c":
		if len(m.entries) == 0 {
			break
		}
		e := m.entries[m.cursor]
		if err := m.session.Clipboard.WriteAll(string(e.Secret)); err != nil {
			m.msg = errStyle.Render(err.Error())
			break
		}
		m.msg = fmt.Sprintf("Secret copied! (clears in %s)", m.session.ClearAfter)
		cb := m.session.Clipboard
		time.AfterFunc(m.session.ClearAfter, func() { _ = cb.WriteAll("") })
		return m, clearAfter(m.session.ClearAfter)
	}
	return m, nil
}

func viewTable(m model) string {
	s := titleStyle.Render("Vault Entries") + "\n\n"
	for i, e := range m.entries {
		line := fmt.Sprintf("%-24s  %-24s  %-12s", e.Name, e.Login, e.Category)
		if i == m.cursor {
			line = selectedStyle.Render(line)
		}
		s += line + "\n"
	}
	if m.msg != "" {
		s += "\n" + msgStyle.Render(m.msg)
	}
	s += "\nCommands: j/k=move, enter=show, a=add, d=delete, c=copy, q=quit"
	return s
}

// --- Show Entry ---
func updateShowEntry(m model, msg tea.Msg) (model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "esc":
		m.state = stateTable
		m.selected = nil
		m.revealed = false
	case "v":
		m.revealed = true
		return m, clearAfter(5 * time.Second)
	}
	return m, nil
}

func viewShowEntry(m model) string {
	e := m.selected
	secret := "********"
	if m.revealed {
		secret = string(e.Secret)
	}
	s := fmt.Sprintf("Name: %s\nLogin: %s\nURL: %s\nNotes: %s\nSecret: %s\n",
		e.Name, e.Login, e.URL, e.Notes, secret)
	s += "\nPress 'v' to reveal, Esc to return"
	return s
}

// --- Add Entry ---
func newEntryInputs() []textinput.Model {
	labels := []string{"Name", "Login", "Secret", "Notes"}
	inputs := make([]textinput.Model, len(labels))
	for i, l := range labels {
		ti := textinput.New()
		ti.Placeholder = l
		if l == "Secret" {
			ti.EchoMode = textinput.EchoPassword
		}
		inputs[i] = ti
	}
	inputs[0].Focus()
	return inputs
}

func updateAddEntry(m model, msg tea.Msg) (model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "tab", "shift+tab", "down", "up":
			m.focusNext(key.String() == "shift+tab" || key.String() == "up")
			return m, nil
		case "esc":
			m.state = stateTable
			return m, nil
		case "ctrl+s":
			return saveAddEntry(m), nil
		case "enter":
			if m.textInputs[len(m.textInputs)-1].Focused() {
				return saveAddEntry(m), nil
			}
			m.focusNext(false)
			return m, nil
		}
	}

	var cmds []tea.Cmd
	for i := range m.textInputs {
		if m.textInputs[i].Focused() {
			var cmd tea.Cmd
			m.textInputs[i], cmd = m.textInputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
	}
	return m, tea.Batch(cmds...)
}

func (m *model) focusNext(backward bool) {
	n := len(m.textInputs)
	for i := 0; i < n; i++ {
		if m.textInputs[i].Focused() {
			m.textInputs[i].Blur()
			if backward {
				m.textInputs[(i-1+n)%n].Focus()
			} else {
				m.textInputs[(i+1)%n].Focus()
			}
			break
		}
	}
}

func saveAddEntry(m model) model {
	e := vault.Entry{
		Name:   m.textInputs[0].Value(),
		Login:  m.textInputs[1].Value(),
		Secret: []byte(m.textInputs[2].Value()),
		Notes:  m.textInputs[3].Value(),
	}
	if _, err := m.session.Repo.UpsertEntry(context.Background(), m.session.UserID, e, m.session.Key); err != nil {
		m.msg = errStyle.Render(err.Error())
		return m
	}
	m.refresh()
	m.state = stateTable
	m.msg = "Entry added!"
	return m
}

func viewAddEntry(m model) string {
	s := titleStyle.Render("Add New Entry") + "\n\n"
	for i, ti := range m.textInputs {
		s += fmt.Sprintf("%s: %s\n", ti.Placeholder, ti.View())
		if i < len(m.textInputs)-1 {
			s += "\n"
		}
	}
	if m.msg != "" {
		s += "\n" + m.msg + "\n"
	}
	s += "\nTab to move, Enter on the last field to save, Esc to cancel"
	return s
}
