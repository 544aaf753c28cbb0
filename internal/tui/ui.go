package tui

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/hostforge/gswarden/internal/cliutil"
	"github.com/hostforge/gswarden/internal/supervisor"
)

const (
	tableTitle      = "Processes"
	logsTitle       = "Output"
	defaultMaxLogs  = 500
	usageRefresh    = time.Second
	defaultGraceTUI = 10 * time.Second
)

// Option configures UI behaviour.
type Option func(*UI)

// WithMaxLogs sets the maximum number of output lines retained per process.
func WithMaxLogs(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxLogs = n
		}
	}
}

// UI renders a live process table and captured output, backed by tview.
// Keys: q quits, s stops the selected process gracefully, k kills it.
type UI struct {
	app   *tview.Application
	table *tview.Table
	logs  *tview.TextView

	mu       sync.Mutex
	rows     []string
	selected string
	usage    map[string]usageSample
	output   map[string][]string
	maxLogs  int

	// done closes when the application loop has exited; queued draws must
	// not block on a loop that is no longer draining them.
	done chan struct{}
}

type usageSample struct {
	cpu time.Duration
	mem int64
}

// New constructs a UI configured with the supplied options.
func New(opts ...Option) *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 0).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(tableTitle)

	logs := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	logs.SetBorder(true).SetTitle(logsTitle)

	ui := &UI{
		app:     app,
		table:   table,
		logs:    logs,
		usage:   make(map[string]usageSample),
		output:  make(map[string][]string),
		maxLogs: defaultMaxLogs,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ui)
	}

	table.SetSelectionChangedFunc(func(row, column int) {
		ui.mu.Lock()
		if row >= 1 && row-1 < len(ui.rows) {
			ui.selected = ui.rows[row-1]
		}
		ui.mu.Unlock()
		// Already on the UI goroutine.
		ui.drawLogs()
	})

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 3, true).
		AddItem(logs, 0, 2, false)
	app.SetRoot(flex, true)

	return ui
}

// Run drives the interface against mgr until the context is cancelled or the
// user quits. It consumes the manager's event channel; nothing else may read
// it while the UI runs.
func (u *UI) Run(ctx context.Context, mgr *supervisor.Manager) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	u.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch {
		case event.Key() == tcell.KeyRune && event.Rune() == 'q', event.Key() == tcell.KeyEscape:
			cancel()
			return nil
		case event.Key() == tcell.KeyRune && event.Rune() == 's':
			u.stopSelected(runCtx, mgr, false)
			return nil
		case event.Key() == tcell.KeyRune && event.Rune() == 'k':
			u.stopSelected(runCtx, mgr, true)
			return nil
		}
		return event
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		u.consumeEvents(runCtx, mgr)
	}()
	go func() {
		defer wg.Done()
		u.refreshLoop(runCtx, mgr)
	}()
	go func() {
		<-runCtx.Done()
		u.app.Stop()
	}()

	err := u.app.Run()
	cancel()
	close(u.done)
	wg.Wait()
	if err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}

func (u *UI) consumeEvents(ctx context.Context, mgr *supervisor.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-mgr.Events():
			if !ok {
				return
			}
			u.applyEvent(event)
		}
	}
}

func (u *UI) applyEvent(event supervisor.Event) {
	record := cliutil.NewEventRecord(event)
	line := fmt.Sprintf("%s [%s] %s", record.Timestamp.Format("15:04:05"), record.Level, record.Message)

	u.mu.Lock()
	lines := append(u.output[event.ProcessID], line)
	if len(lines) > u.maxLogs {
		lines = lines[len(lines)-u.maxLogs:]
	}
	u.output[event.ProcessID] = lines
	selected := u.selected == event.ProcessID
	u.mu.Unlock()

	if selected {
		u.queueDraw(u.drawLogs)
	}
}

func (u *UI) refreshLoop(ctx context.Context, mgr *supervisor.Manager) {
	ticker := time.NewTicker(usageRefresh)
	defer ticker.Stop()
	for {
		u.refresh(ctx, mgr)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (u *UI) refresh(ctx context.Context, mgr *supervisor.Manager) {
	procs := mgr.List()
	sort.Slice(procs, func(i, j int) bool {
		if procs[i].ServerID != procs[j].ServerID {
			return procs[i].ServerID < procs[j].ServerID
		}
		return procs[i].ID < procs[j].ID
	})

	samples := make(map[string]usageSample, len(procs))
	for _, proc := range procs {
		usage, err := mgr.Usage(ctx, proc.ID)
		if err != nil {
			continue
		}
		samples[proc.ID] = usageSample{cpu: usage.CPUTime, mem: usage.MemoryBytes}
	}

	u.mu.Lock()
	u.rows = u.rows[:0]
	for _, proc := range procs {
		u.rows = append(u.rows, proc.ID)
	}
	u.usage = samples
	if u.selected == "" && len(u.rows) > 0 {
		u.selected = u.rows[0]
	}
	u.mu.Unlock()

	u.queueDraw(func() {
		u.renderTable(procs)
		u.drawLogs()
	})
}

// queueDraw hands f to the UI goroutine, giving up once the application
// loop has exited.
func (u *UI) queueDraw(f func()) {
	queued := make(chan struct{})
	go func() {
		defer close(queued)
		u.app.QueueUpdateDraw(f)
	}()
	select {
	case <-queued:
	case <-u.done:
	}
}

func (u *UI) renderTable(procs []supervisor.Process) {
	headers := []string{"SERVER", "PROCESS", "PID", "STATE", "UPTIME", "CPU", "MEMORY"}
	u.table.Clear()
	for col, h := range headers {
		u.table.SetCell(0, col, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false))
	}

	u.mu.Lock()
	samples := u.usage
	u.mu.Unlock()

	for i, proc := range procs {
		row := i + 1
		sample := samples[proc.ID]
		cells := []string{
			proc.ServerID,
			shortID(proc.ID),
			fmt.Sprintf("%d", proc.PID),
			proc.State.String(),
			time.Since(proc.StartTime).Truncate(time.Second).String(),
			sample.cpu.Truncate(10 * time.Millisecond).String(),
			formatBytes(sample.mem),
		}
		for col, text := range cells {
			u.table.SetCell(row, col, tview.NewTableCell(text))
		}
	}
}

func (u *UI) drawLogs() {
	u.mu.Lock()
	lines := append([]string(nil), u.output[u.selected]...)
	title := logsTitle
	if u.selected != "" {
		title = fmt.Sprintf("%s: %s", logsTitle, shortID(u.selected))
	}
	u.mu.Unlock()

	u.logs.SetTitle(title)
	u.logs.Clear()
	for _, line := range lines {
		fmt.Fprintln(u.logs, tview.Escape(line))
	}
	u.logs.ScrollToEnd()
}

func (u *UI) stopSelected(ctx context.Context, mgr *supervisor.Manager, force bool) {
	u.mu.Lock()
	id := u.selected
	u.mu.Unlock()
	if id == "" {
		return
	}
	go func() {
		if force {
			_, _ = mgr.Kill(ctx, id)
			return
		}
		_, _ = mgr.Stop(ctx, id, defaultGraceTUI)
	}()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatBytes(n int64) string {
	if n <= 0 {
		return "-"
	}
	return units.BytesSize(float64(n))
}
