package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"cprnn-go/pkg/metrics"
)

const (
	tabMetrics = iota
	tabSamples
	tabRuns
)

type styles struct {
	title      lipgloss.Style
	tab        lipgloss.Style
	tabActive  lipgloss.Style
	panel      lipgloss.Style
	panelTitle lipgloss.Style
	selected   lipgloss.Style
	dim        lipgloss.Style
	ok         lipgloss.Style
	warn       lipgloss.Style
	graphTrain lipgloss.Style
	graphValid lipgloss.Style
	graphLR    lipgloss.Style
}

func defaultStyles() styles {
	brand := lipgloss.AdaptiveColor{Light: "26", Dark: "81"}
	subtle := lipgloss.AdaptiveColor{Light: "245", Dark: "244"}
	border := lipgloss.AdaptiveColor{Light: "250", Dark: "238"}
	return styles{
		title:      lipgloss.NewStyle().Bold(true).Foreground(brand),
		tab:        lipgloss.NewStyle().Padding(0, 1).Foreground(subtle),
		tabActive:  lipgloss.NewStyle().Padding(0, 1).Bold(true).Foreground(lipgloss.Color("15")).Background(brand),
		panel:      lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1),
		panelTitle: lipgloss.NewStyle().Bold(true).Foreground(brand),
		selected:   lipgloss.NewStyle().Bold(true).Foreground(brand),
		dim:        lipgloss.NewStyle().Foreground(subtle),
		ok:         lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		warn:       lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		graphTrain: lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		graphValid: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		graphLR:    lipgloss.NewStyle().Foreground(lipgloss.Color("86")),
	}
}

type chart struct {
	Name  string
	Tag   string
	Color lipgloss.Style
	Read  string
}

func (m model) charts() []chart {
	return []chart{
		{Name: "Loss (Train)", Tag: "train/loss", Color: m.styles.graphTrain, Read: "Cross-entropy averaged over training batches."},
		{Name: "Loss (Validation)", Tag: "valid/loss", Color: m.styles.graphValid, Read: "Drives best-checkpoint selection."},
		{Name: "BPC (Train)", Tag: "train/bpc", Color: m.styles.graphTrain, Read: "Bits per character, loss / ln 2."},
		{Name: "BPC (Validation)", Tag: "valid/bpc", Color: m.styles.graphValid, Read: "Lower is better. Compare runs on this."},
		{Name: "Perplexity (Validation)", Tag: "valid/ppl", Color: m.styles.graphValid, Read: "Mean of per-batch exp(loss)."},
		{Name: "Learning Rate", Tag: "LR", Color: m.styles.graphLR, Read: "Adam step size."},
	}
}

// sprung is a readout animated towards its latest value.
type sprung struct {
	pos, vel float64
	primed   bool
}

type keyMap struct {
	Quit    key.Binding
	TabNext key.Binding
	TabPrev key.Binding
	Up      key.Binding
	Down    key.Binding
	Left    key.Binding
	Right   key.Binding
	Refresh key.Binding
	Help    key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.TabNext, k.Up, k.Down, k.Refresh, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.TabNext, k.TabPrev},
		{k.Up, k.Down, k.Left, k.Right},
		{k.Refresh, k.Help, k.Quit},
	}
}

type refreshMsg struct{}
type animTickMsg struct{ ts time.Time }

type model struct {
	width   int
	height  int
	styles  styles
	tabs    []string
	tabIdx  int
	dbPath  string
	loading bool

	snap       snapshot
	chartIdx   int
	textIdx    int
	sampleView viewport.Model
	spin       spinner.Model
	help       help.Model
	keys       keyMap

	spring  harmonica.Spring
	readout map[string]*sprung
}

func initialModel(dbPath string) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))

	vp := viewport.New(100, 16)
	vp.SetContent("samples will appear here")

	return model{
		styles:     defaultStyles(),
		tabs:       []string{"Metrics", "Samples", "Runs"},
		dbPath:     dbPath,
		loading:    true,
		sampleView: vp,
		spin:       sp,
		help:       help.New(),
		spring:     harmonica.NewSpring(harmonica.FPS(30), 6.0, 1.0),
		readout:    make(map[string]*sprung),
		keys: keyMap{
			Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
			TabNext: key.NewBinding(key.WithKeys("tab", "l"), key.WithHelp("tab/l", "next tab")),
			TabPrev: key.NewBinding(key.WithKeys("shift+tab", "h"), key.WithHelp("shift+tab/h", "prev tab")),
			Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("up/k", "prev chart")),
			Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("down/j", "next chart")),
			Left:    key.NewBinding(key.WithKeys("left"), key.WithHelp("left", "prev sample")),
			Right:   key.NewBinding(key.WithKeys("right"), key.WithHelp("right", "next sample")),
			Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
			Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more help")),
		},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, loadCmd(m.dbPath), animTickCmd())
}

func loadCmd(path string) tea.Cmd {
	return func() tea.Msg { return snapshotMsg(loadSnapshot(path)) }
}

func refreshCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg { return refreshMsg{} })
}

func animTickCmd() tea.Cmd {
	return tea.Tick(time.Second/30, func(ts time.Time) tea.Msg { return animTickMsg{ts: ts} })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	m.spin, cmd = m.spin.Update(msg)
	cmds = append(cmds, cmd)
	if m.tabIdx == tabSamples {
		m.sampleView, cmd = m.sampleView.Update(msg)
		cmds = append(cmds, cmd)
	}

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.sampleView.Width = max(40, m.width-8)
		m.sampleView.Height = max(6, m.height-12)
		m.help.Width = m.width
		m.rebuildSampleView()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.TabNext):
			m.tabIdx = (m.tabIdx + 1) % len(m.tabs)
		case key.Matches(msg, m.keys.TabPrev):
			m.tabIdx = (m.tabIdx + len(m.tabs) - 1) % len(m.tabs)
		case key.Matches(msg, m.keys.Up):
			if m.tabIdx == tabMetrics {
				m.chartIdx = max(0, m.chartIdx-1)
			}
		case key.Matches(msg, m.keys.Down):
			if m.tabIdx == tabMetrics {
				m.chartIdx = min(len(m.charts())-1, m.chartIdx+1)
			}
		case key.Matches(msg, m.keys.Left):
			m.textIdx = (m.textIdx + len(textTags) - 1) % len(textTags)
			m.rebuildSampleView()
		case key.Matches(msg, m.keys.Right):
			m.textIdx = (m.textIdx + 1) % len(textTags)
			m.rebuildSampleView()
		case key.Matches(msg, m.keys.Refresh):
			if !m.loading {
				m.loading = true
				cmds = append(cmds, loadCmd(m.dbPath))
			}
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		}

	case refreshMsg:
		if !m.loading {
			m.loading = true
			cmds = append(cmds, loadCmd(m.dbPath))
		}

	case snapshotMsg:
		m.snap = snapshot(msg)
		m.loading = false
		m.rebuildSampleView()
		cmds = append(cmds, refreshCmd())

	case animTickMsg:
		m.animate()
		cmds = append(cmds, animTickCmd())
	}
	return m, tea.Batch(cmds...)
}

// animate moves every readout one spring step towards the latest finite value.
func (m *model) animate() {
	for _, c := range m.charts() {
		vals := finite(m.snap.values(c.Tag))
		if len(vals) == 0 {
			continue
		}
		target := vals[len(vals)-1]
		r, ok := m.readout[c.Tag]
		if !ok {
			r = &sprung{}
			m.readout[c.Tag] = r
		}
		if !r.primed {
			r.pos, r.vel, r.primed = target, 0, true
			continue
		}
		r.pos, r.vel = m.spring.Update(r.pos, r.vel, target)
	}
}

func (m *model) rebuildSampleView() {
	tag := textTags[m.textIdx]
	t, ok := m.snap.texts[tag]
	if !ok {
		m.sampleView.SetContent(m.styles.dim.Render("no " + tag + " artifact yet"))
		return
	}
	body := strings.Join(wrapText(t.Body, max(20, m.sampleView.Width-2)), "\n")
	m.sampleView.SetContent(fmt.Sprintf("epoch %d\n\n%s", t.Epoch, body))
	m.sampleView.GotoTop()
}

func (m model) renderTabs() string {
	parts := make([]string, len(m.tabs))
	for i, t := range m.tabs {
		if i == m.tabIdx {
			parts[i] = m.styles.tabActive.Render(t)
		} else {
			parts[i] = m.styles.tab.Render(t)
		}
	}
	return m.styles.title.Render("cprnn monitor") + "  " + strings.Join(parts, " ")
}

func (m model) panel(title string, lines []string, w int) string {
	return m.styles.panel.Width(panelInnerWidth(w)).Render(m.styles.panelTitle.Render(title) + "\n" + strings.Join(lines, "\n"))
}

func panelInnerWidth(total int) int {
	// rounded border and horizontal padding take two columns each
	return max(8, total-4)
}

func (m model) status() string {
	switch {
	case m.loading:
		return m.styles.warn.Render(m.spin.View() + " loading")
	case m.snap.err != nil:
		return m.styles.warn.Render("error: " + m.snap.err.Error())
	}
	return m.styles.ok.Render(fmt.Sprintf("epoch %d", m.snap.lastEpoch())) +
		m.styles.dim.Render(" | updated "+m.snap.at.Format("15:04:05"))
}

func (m model) readoutValue(tag string) (float64, bool) {
	if r, ok := m.readout[tag]; ok && r.primed {
		return r.pos, true
	}
	return 0, false
}

func (m model) graphPanel(c chart, w, height int, selected bool) string {
	series := m.snap.values(c.Tag)
	graphLines := lineChart(series, max(16, w-16), height)
	for i := range graphLines {
		graphLines[i] = c.Color.Render(graphLines[i])
	}
	title := c.Name
	if selected {
		title = "▶ " + title
	}
	sub := m.styles.dim.Render("waiting for data...")
	if latest, minV, maxV, ok := seriesStats(finite(series)); ok {
		shown := latest
		if v, ok := m.readoutValue(c.Tag); ok {
			shown = v
		}
		sub = m.styles.dim.Render(fmt.Sprintf("latest %.4f | min %.4f | max %.4f | n=%d", shown, minV, maxV, len(series)))
	}
	lines := []string{strings.Join(graphLines, "\n"), sub}
	if selected {
		lines = append(lines, m.styles.dim.Render(c.Read))
	}
	return m.panel(title, lines, w)
}

func (m model) viewMetricsTab(w, h int) string {
	charts := m.charts()
	idx := min(max(m.chartIdx, 0), len(charts)-1)

	focus := m.graphPanel(charts[idx], w, max(5, h/2-4), true)

	colW := max(30, (w-2)/2)
	var rows []string
	// train and valid side by side, loss then bpc
	for _, pair := range [][2]int{{0, 1}, {2, 3}} {
		left := m.compactPanel(charts[pair[0]], colW)
		right := m.compactPanel(charts[pair[1]], colW)
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, left, "  ", right))
	}
	return fitHeight(lipgloss.JoinVertical(lipgloss.Left, append([]string{focus}, rows...)...), h)
}

func (m model) compactPanel(c chart, w int) string {
	series := m.snap.values(c.Tag)
	value := "-"
	if v, ok := m.readoutValue(c.Tag); ok {
		value = fmt.Sprintf("%.4f", v)
	}
	return m.panel(c.Name, []string{
		c.Color.Render(sparkline(series, max(8, w-8))),
		m.styles.dim.Render("latest ") + value,
	}, w)
}

func (m model) viewSamplesTab(w, h int) string {
	tabs := make([]string, len(textTags))
	for i, t := range textTags {
		if i == m.textIdx {
			tabs[i] = m.styles.selected.Render("[" + t + "]")
		} else {
			tabs[i] = m.styles.dim.Render(t)
		}
	}
	vp := m.sampleView
	vp.Width = max(20, panelInnerWidth(w)-2)
	vp.Height = max(4, h-5)
	body := m.styles.panel.Width(panelInnerWidth(w)).Render(
		m.styles.panelTitle.Render("Text artifacts") + "  " + strings.Join(tabs, " ") + "\n" + vp.View())
	return fitHeight(body, h)
}

func (m model) viewRunsTab(w int) string {
	lines := []string{"Processes that wrote to " + m.dbPath + ":"}
	if len(m.snap.runs) == 0 {
		lines = append(lines, m.styles.dim.Render("(none yet)"))
	}
	for i, r := range m.snap.runs {
		lines = append(lines, fmt.Sprintf("%2d. %s  %s  %s", i+1,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			truncateWithEllipsis(r.ID, 13),
			truncateWithEllipsis(r.Experiment, max(12, w-48))))
	}
	if best, epoch, ok := bestValid(m.snap.series["valid/bpc"]); ok {
		lines = append(lines, "", fmt.Sprintf("Best valid bpc %.4f @ epoch %d", best, epoch))
	}
	return m.panel("Runs", lines, w)
}

func bestValid(pts []metrics.Point) (float64, int, bool) {
	best, epoch := math.Inf(1), 0
	for _, p := range pts {
		if p.Value < best {
			best, epoch = p.Value, p.Epoch
		}
	}
	return best, epoch, epoch > 0
}

func (m model) View() string {
	if m.width == 0 {
		return "loading..."
	}
	header := lipgloss.JoinVertical(lipgloss.Left, m.renderTabs(), m.status())
	footer := m.help.View(m.keys)
	contentW := max(60, m.width-4)
	contentH := max(8, m.height-lipgloss.Height(header)-lipgloss.Height(footer)-2)

	var content string
	switch m.tabIdx {
	case tabMetrics:
		content = m.viewMetricsTab(contentW, contentH)
	case tabSamples:
		content = m.viewSamplesTab(contentW, contentH)
	default:
		content = fitHeight(m.viewRunsTab(contentW), contentH)
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, "", content, footer)
}

// resolveDB accepts an experiment directory or a database file.
func resolveDB(arg string) string {
	if fi, err := os.Stat(arg); err == nil && fi.IsDir() {
		return metrics.DBPath(arg)
	}
	if filepath.Ext(arg) == "" {
		return metrics.DBPath(arg)
	}
	return arg
}

func main() {
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: cprnn-monitor <experiment_dir|metrics.db>")
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	p := tea.NewProgram(initialModel(resolveDB(flag.Arg(0))), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}
