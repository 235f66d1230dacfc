// Package tui renders the coordination status board. It uses bubbletea's
// model/update/view loop: the model holds a snapshot of the coordination
// document, a tick refreshes it from the store, and the event router feeds a
// live activity tail at the bottom of the board.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/relay/internal/events"
	"github.com/kingrea/relay/internal/store"
	"github.com/kingrea/relay/internal/verify"
)

const (
	boardRefreshInterval = 3 * time.Second
	eventTailLimit       = 8
)

// Overrider resolves escalated requests from the board. The coordinator
// satisfies this; tests inject fakes.
type Overrider interface {
	ForceApprove(requestID, operator, note string) (store.VerificationReport, error)
	ForceDeny(requestID, operator, note string) (store.VerificationReport, error)
}

type statusRefreshMsg struct {
	session store.Session
	workers []store.WorkerInstance
	reports map[string]store.VerificationReport
	open    map[string]store.HandoffRequest
	err     error
}

type routedEventMsg struct {
	event events.Event
	ok    bool
}

// workerItem adapts a worker record to the bubbles list component.
type workerItem struct {
	worker     store.WorkerInstance
	request    *store.HandoffRequest
	staleAfter time.Duration
}

func (i workerItem) Title() string {
	title := fmt.Sprintf("%s · %s", i.worker.ID, i.worker.State)
	if i.request != nil && i.request.Escalated {
		title += " · ESCALATED"
	}
	if i.staleAfter > 0 {
		if badge := StaleBadge(i.worker.Heartbeat, i.staleAfter); badge != "" {
			title += " · " + badge
		}
	}
	return title
}

func (i workerItem) Description() string {
	parts := []string{}
	if i.worker.Role != "" {
		parts = append(parts, i.worker.Role)
	}
	if i.worker.Task != "" {
		parts = append(parts, i.worker.Task)
	}
	if len(i.worker.Claims) > 0 {
		parts = append(parts, fmt.Sprintf("owns %s", strings.Join(i.worker.Claims, ", ")))
	}
	if len(parts) == 0 {
		return "idle"
	}
	return strings.Join(parts, " · ")
}

func (i workerItem) FilterValue() string { return i.worker.ID }

// App is the status board model.
type App struct {
	store     *store.Store
	overrider Overrider
	operator  string

	workerList list.Model
	session    store.Session
	workers    []store.WorkerInstance
	reports    map[string]store.VerificationReport
	open       map[string]store.HandoffRequest

	staleAfter time.Duration

	subscription events.Subscription
	hasEvents    bool
	eventTail    []events.Event

	statusMsg string
	boardErr  string
	width     int
	height    int
}

// AppOption customizes App construction.
type AppOption func(*App)

// WithRouter subscribes the board to live coordination events.
func WithRouter(router *events.Router) AppOption {
	return func(a *App) {
		if router != nil {
			a.subscription = router.Subscribe(events.TopicAll)
			a.hasEvents = true
		}
	}
}

// WithStaleThreshold badges workers whose heartbeat age exceeds the
// coordinator's stale threshold.
func WithStaleThreshold(threshold time.Duration) AppOption {
	return func(a *App) {
		if threshold > 0 {
			a.staleAfter = threshold
		}
	}
}

// WithOverrider enables the approve/deny hotkeys on escalated requests.
func WithOverrider(overrider Overrider, operator string) AppOption {
	return func(a *App) {
		a.overrider = overrider
		a.operator = strings.TrimSpace(operator)
	}
}

// NewApp creates the status board bound to a coordination store.
func NewApp(st *store.Store, opts ...AppOption) (*App, error) {
	if st == nil {
		return nil, fmt.Errorf("tui: store is required")
	}
	workerList := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	workerList.Title = "⬡ RELAY WORKERS"
	workerList.SetShowStatusBar(false)
	workerList.SetFilteringEnabled(false)
	app := &App{
		store:      st,
		workerList: workerList,
		reports:    map[string]store.VerificationReport{},
		open:       map[string]store.HandoffRequest{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	return app, nil
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	cmds := []tea.Cmd{a.fetchSnapshot()}
	if a.hasEvents {
		cmds = append(cmds, a.awaitEvent())
	}
	return tea.Batch(cmds...)
}

// Update handles refresh ticks, routed events, and key input.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.workerList.SetSize(max(20, msg.Width/2-6), max(10, msg.Height-12))
		return a, nil

	case statusRefreshMsg:
		if msg.err != nil {
			a.boardErr = msg.err.Error()
		} else {
			a.boardErr = ""
			a.session = msg.session
			a.workers = msg.workers
			a.reports = msg.reports
			a.open = msg.open
			a.rebuildWorkerList()
		}
		return a, a.scheduleRefresh()

	case routedEventMsg:
		if !msg.ok {
			a.hasEvents = false
			return a, nil
		}
		a.eventTail = append(a.eventTail, msg.event)
		if len(a.eventTail) > eventTailLimit {
			a.eventTail = a.eventTail[len(a.eventTail)-eventTailLimit:]
		}
		return a, a.awaitEvent()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if a.subscription.Events != nil {
				a.subscription.Close()
			}
			return a, tea.Quit
		case "r":
			a.statusMsg = "Refreshing..."
			return a, a.fetchSnapshot()
		case "a":
			return a, a.resolveSelected(store.DecisionApprove)
		case "x":
			return a, a.resolveSelected(store.DecisionDeny)
		}
	}

	var cmd tea.Cmd
	a.workerList, cmd = a.workerList.Update(msg)
	return a, cmd
}

// resolveSelected applies an operator override to the selected worker's
// escalated request, if it has one.
func (a *App) resolveSelected(decision store.Decision) tea.Cmd {
	if a.overrider == nil {
		a.statusMsg = "Overrides are disabled on this board"
		return nil
	}
	item, ok := a.workerList.SelectedItem().(workerItem)
	if !ok {
		return nil
	}
	if item.request == nil || !item.request.Escalated {
		a.statusMsg = fmt.Sprintf("%s has no escalated request", item.worker.ID)
		return nil
	}
	requestID := item.request.ID
	var err error
	if decision == store.DecisionApprove {
		_, err = a.overrider.ForceApprove(requestID, a.operator, "resolved from status board")
	} else {
		_, err = a.overrider.ForceDeny(requestID, a.operator, "resolved from status board")
	}
	if err != nil {
		a.statusMsg = fmt.Sprintf("Override failed: %v", err)
		return nil
	}
	a.statusMsg = fmt.Sprintf("Request %s overridden to %s", requestID, decision)
	return a.fetchSnapshot()
}

func (a *App) rebuildWorkerList() {
	items := make([]list.Item, 0, len(a.workers))
	for _, worker := range a.workers {
		item := workerItem{worker: worker, staleAfter: a.staleAfter}
		if req, ok := a.open[worker.RequestID]; ok {
			r := req
			item.request = &r
		}
		items = append(items, item)
	}
	selected := a.workerList.Index()
	a.workerList.SetItems(items)
	if selected < len(items) {
		a.workerList.Select(selected)
	}
}

// View renders the two-panel board: workers on the left, the selected
// worker's latest verdict plus the event tail on the right.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	leftWidth := width/2 - 2
	rightWidth := width - leftWidth - 4

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		MarginBottom(1).
		Render(fmt.Sprintf("⬡ RELAY · session %s · %s · %d worker(s)", a.session.ID, a.session.Phase, len(a.workers)))

	leftBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(24, leftWidth)).
		Render(a.workerList.View())

	right := lipgloss.JoinVertical(lipgloss.Left,
		a.renderVerdictPanel(rightWidth-4),
		"",
		a.renderEventPanel(rightWidth-4),
	)
	rightBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(24, rightWidth)).
		Render(right)

	body := lipgloss.JoinHorizontal(lipgloss.Top, leftBox, rightBox)

	footerText := "r → refresh    q → quit"
	if a.overrider != nil {
		footerText = "a → approve escalation    x → deny escalation    " + footerText
	}
	if a.boardErr != "" {
		footerText = fmt.Sprintf("⚠ %s    %s", a.boardErr, footerText)
	}
	if a.statusMsg != "" {
		footerText = a.statusMsg + "    " + footerText
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(footerText)

	return strings.Join([]string{header, body, footer}, "\n")
}

func (a *App) renderVerdictPanel(width int) string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render("Latest verdict")
	item, ok := a.workerList.SelectedItem().(workerItem)
	if !ok {
		return lipgloss.JoinVertical(lipgloss.Left, title, dimText("No workers registered yet."))
	}
	report, ok := a.reports[item.worker.ID]
	if !ok {
		return lipgloss.JoinVertical(lipgloss.Left, title, dimText(fmt.Sprintf("%s has no verification history.", item.worker.ID)))
	}
	body := lipgloss.NewStyle().Width(max(20, width)).Render(verify.Summary(report))
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (a *App) renderEventPanel(width int) string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render("Activity")
	if len(a.eventTail) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, dimText("No coordination events yet."))
	}
	lines := make([]string, 0, len(a.eventTail))
	for _, event := range a.eventTail {
		line := fmt.Sprintf("%s %s", event.Time.Format("15:04:05"), event.Type)
		if event.WorkerID != "" {
			line += " · " + event.WorkerID
		}
		if event.Detail != "" {
			line += " · " + event.Detail
		}
		lines = append(lines, line)
	}
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Width(max(20, width)).
		Render(strings.Join(lines, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (a *App) fetchSnapshot() tea.Cmd {
	return func() tea.Msg {
		return a.buildSnapshot()
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	return tea.Tick(boardRefreshInterval, func(time.Time) tea.Msg {
		return a.buildSnapshot()
	})
}

func (a *App) buildSnapshot() statusRefreshMsg {
	doc, err := a.store.Snapshot()
	if err != nil {
		return statusRefreshMsg{err: err}
	}
	workers := make([]store.WorkerInstance, 0, len(doc.Workers))
	for _, worker := range doc.Workers {
		workers = append(workers, worker)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	// Newest report per worker, for the verdict panel.
	reports := map[string]store.VerificationReport{}
	for _, report := range doc.Reports {
		reports[report.WorkerID] = report
	}
	open := map[string]store.HandoffRequest{}
	for id, req := range doc.Requests {
		open[id] = req
	}
	return statusRefreshMsg{
		session: doc.Session,
		workers: workers,
		reports: reports,
		open:    open,
	}
}

func (a *App) awaitEvent() tea.Cmd {
	ch := a.subscription.Events
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		event, ok := <-ch
		return routedEventMsg{event: event, ok: ok}
	}
}

func dimText(value string) string {
	return lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render(value)
}

// StaleBadge annotates a heartbeat age for display.
func StaleBadge(heartbeat time.Time, threshold time.Duration) string {
	age := time.Since(heartbeat)
	if age <= threshold {
		return ""
	}
	return fmt.Sprintf("stale %s", humanizeDuration(age))
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
