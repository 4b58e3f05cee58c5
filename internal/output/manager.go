package output

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type itemRow struct {
	ID          int
	Name        string
	Status      string
	Message     string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Err         error
}

type errorReport struct {
	Name string
	Err  error
	Time time.Time
}

// Manager renders live progress rows on a ticker, redrawing in place with
// ANSI cursor movement. A nil *Manager is valid and does nothing, which is
// how --no-progress and debug runs work.
type Manager struct {
	rows        map[int]*itemRow
	mutex       sync.RWMutex
	numLines    int
	errors      []errorReport
	doneCh      chan struct{}
	displayTick time.Duration
	rowCount    int
	displayWg   sync.WaitGroup
}

func NewManager() *Manager {
	return &Manager{
		rows:        make(map[int]*itemRow),
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
	}
}

// Register adds a pending row and returns its id. Rows display in
// registration order within their status group.
func (m *Manager) Register(name string) int {
	if m == nil {
		return 0
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rowCount++
	m.rows[m.rowCount] = &itemRow{
		ID:          m.rowCount,
		Name:        name,
		Status:      "pending",
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
	}
	return m.rowCount
}

func (m *Manager) SetMessage(id int, message string) {
	if m == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if row, exists := m.rows[id]; exists {
		row.Message = message
		row.LastUpdated = time.Now()
	}
}

// SetProgress renders an M-of-N meter into the row's message.
func (m *Manager) SetProgress(id, done, total int) {
	if m == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if row, exists := m.rows[id]; exists {
		row.Message = fmt.Sprintf("%s %d/%d files", PrintProgressBar(int64(done), int64(total), 30), done, total)
		row.LastUpdated = time.Now()
	}
}

func (m *Manager) Complete(id int, message string) {
	if m == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if row, exists := m.rows[id]; exists {
		if message == "" {
			message = fmt.Sprintf("Completed %s", row.Name)
		}
		row.Message = message
		row.Complete = true
		row.Status = "success"
		row.LastUpdated = time.Now()
	}
}

func (m *Manager) Fail(id int, err error) {
	if m == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if row, exists := m.rows[id]; exists {
		row.Complete = true
		row.Status = "error"
		row.Err = err
		row.Message = fmt.Sprintf("Failed %s", row.Name)
		row.LastUpdated = time.Now()
		m.errors = append(m.errors, errorReport{Name: row.Name, Err: err, Time: time.Now()})
	}
}

func (m *Manager) getStatusIndicator(status string) string {
	switch status {
	case "success":
		return successStyle.Render(StyleSymbols["pass"])
	case "error":
		return errorStyle.Render(StyleSymbols["fail"])
	case "warning":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (m *Manager) sortRows() (active, pending, completed []*itemRow) {
	var all []*itemRow
	for _, row := range m.rows {
		all = append(all, row)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].ID < all[j].ID
	})
	for _, row := range all {
		switch {
		case row.Complete:
			completed = append(completed, row)
		case row.Status == "pending" && row.Message == "":
			pending = append(pending, row)
		default:
			active = append(active, row)
		}
	}
	return active, pending, completed
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	availableLines := getTerminalHeight() - 3
	if m.numLines > 0 {
		fmt.Printf("\033[%dA\033[J", m.numLines)
	}

	lineCount := 0
	active, pending, completed := m.sortRows()

	// Trim oldest completed rows first when the terminal is short.
	totalNeeded := len(active) + len(pending) + len(completed)
	if totalNeeded > availableLines {
		maxCompleted := availableLines - len(active) - len(pending)
		if maxCompleted < 0 {
			maxCompleted = 0
		}
		if len(completed) > maxCompleted {
			completed = completed[len(completed)-maxCompleted:]
		}
	}

	printRow := func(row *itemRow) {
		indicator := m.getStatusIndicator(row.Status)
		elapsed := time.Since(row.StartTime).Round(time.Second)
		if row.Complete {
			elapsed = row.LastUpdated.Sub(row.StartTime).Round(time.Second)
		}
		var styledMessage string
		switch row.Status {
		case "success":
			styledMessage = successStyle.Render(row.Message)
		case "error":
			styledMessage = errorStyle.Render(row.Message)
		case "warning":
			styledMessage = warningStyle.Render(row.Message)
		default:
			styledMessage = pendingStyle.Render(row.Message)
		}
		fmt.Printf("%s%s %s %s\n", strings.Repeat(" ", 2), indicator, debugStyle.Render(elapsed.String()), styledMessage)
	}

	for _, row := range active {
		if lineCount >= availableLines {
			break
		}
		printRow(row)
		lineCount++
	}
	for _, row := range pending {
		if lineCount >= availableLines {
			break
		}
		fmt.Printf("%s%s %s\n", strings.Repeat(" ", 2), m.getStatusIndicator(row.Status), pendingStyle.Render("Waiting..."))
		lineCount++
	}
	if len(completed) > 10 && lineCount < availableLines {
		PrintInfo(fmt.Sprintf("%s%d earlier items hidden ...", strings.Repeat(" ", 2), len(completed)-8))
		completed = completed[len(completed)-8:]
		lineCount++
	}
	for _, row := range completed {
		if lineCount >= availableLines {
			break
		}
		printRow(row)
		lineCount++
	}
	m.numLines = lineCount
}

func (m *Manager) StartDisplay() {
	if m == nil {
		return
	}
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.updateDisplay()
				m.displayErrors()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	if m == nil {
		return
	}
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Println()
	fmt.Println(strings.Repeat(" ", 2) + errorStyle.Bold(true).Render("Errors:"))
	for i, report := range m.errors {
		fmt.Printf("%s%s %s %s\n",
			strings.Repeat(" ", 4),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", report.Time.Format("15:04:05"))),
			errorStyle.Render(report.Name))
		fmt.Printf("%s%s\n", strings.Repeat(" ", 6), errorStyle.Render(fmt.Sprintf("Error: %v", report.Err)))
	}
}
