package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/savioxavier/termlink"

	"github.com/dreamlayer/imagegen-client/pkg/client/dto"
	"github.com/dreamlayer/imagegen-client/pkg/fetch"
)

type (
	errMsg error
)

var headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF88")).Background(lipgloss.Color("#444444"))

// CliClient is the interactive prompt-to-image TUI built on the shared client.
// mu serializes the bubbletea loop against the goroutines that report connect
// and generation outcomes.
type CliClient struct {
	mu                  sync.Mutex
	viewport            viewport.Model
	messages            []string
	textarea            textarea.Model
	senderStyle         lipgloss.Style
	responseStyle       lipgloss.Style
	errorStyle          lipgloss.Style
	err                 error
	client              Client
	fetcher             fetch.Client
	ctx                 context.Context
	lastSeed            int64
	outDir              string
	loader              spinner.Model
	inProgress          atomic.Bool
	promptHistory       []string
	promptHistoryOffset int
	cfg                 Config
}

func BubbleClient(ctx context.Context, cfg Config, opts ...Option) (tea.Model, error) {
	ta := textarea.New()
	ta.Placeholder = "Describe an image... (or press Ctrl^C to exit, use Up and Down to navigate)"
	ta.Focus()

	ta.Prompt = "┃ "
	ta.CharLimit = 2048

	ta.SetWidth(128)
	ta.SetHeight(4)

	// Remove cursor line styling
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()

	ta.ShowLineNumbers = false

	vp := viewport.New(160, 30)
	vp.SetContent(`Welcome to the imagegen client! Type a prompt and press Enter to generate.`)

	ta.KeyMap.InsertNewline.SetEnabled(false)

	fmt.Printf("Connecting to %s...\n", cfg.Url)
	imagegen, err := NewClient(cfg, opts...)
	if err != nil {
		return nil, err
	}
	loader := spinner.New(
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("205"))),
		spinner.WithSpinner(spinner.Dot),
	)
	ctx, cancel := context.WithCancel(ctx)
	c := &CliClient{
		ctx:           ctx,
		client:        imagegen,
		fetcher:       fetch.NewClient(time.Second * 60),
		textarea:      ta,
		messages:      []string{},
		viewport:      vp,
		senderStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
		responseStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		errorStyle:    lipgloss.NewStyle().Background(lipgloss.Color("330000")).Foreground(lipgloss.Color("#FF3333")),
		loader:        loader,
		err:           nil,
		cfg:           cfg,
	}

	if outDir, err := os.MkdirTemp(os.TempDir(), "imagegen-response"); err == nil {
		c.outDir = outDir
	} else {
		cancel()
		return nil, errors.Wrapf(err, "failed to init temp dir")
	}

	c.inProgress.Store(true)
	go func() {
		err := imagegen.Connect(ctx)
		c.mu.Lock()
		defer c.mu.Unlock()
		defer c.updateMessages()
		if err != nil {
			c.err = err
			c.messages = append(c.messages, c.errorStyle.Render("Provider: ")+"Failed to connect: "+err.Error())
			cancel()
			return
		}
		c.messages = append(c.messages, c.responseStyle.Render("Provider: ")+
			fmt.Sprintf("Started session %s at %s", imagegen.SessionUUID(), cfg.Url))
		c.inProgress.Store(false)
	}()
	c.displaySpinner()

	return c, nil
}

func (m *CliClient) Init() tea.Cmd {
	return textarea.Blink
}

func (m *CliClient) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	m.textarea, tiCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	if m.ctx.Err() != nil {
		return m, tea.Quit
	}
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.loader, cmd = m.loader.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			_ = m.client.Close()
			return m, tea.Quit
		case tea.KeyUp:
			if m.promptHistoryOffset < len(m.promptHistory) {
				m.promptHistoryOffset++
				m.textarea.SetValue(m.promptHistory[len(m.promptHistory)-m.promptHistoryOffset])
			}
		case tea.KeyDown:
			if m.promptHistoryOffset > 0 {
				m.promptHistoryOffset--
				m.textarea.SetValue(m.promptHistory[len(m.promptHistory)-m.promptHistoryOffset-1])
			} else {
				m.textarea.SetValue("")
			}
		case tea.KeyEnter:
			m.inProgress.Store(true)
			prompt := m.textarea.Value()
			m.loader.Tick()
			go func() {
				defer m.inProgress.Store(false)
				img, err := m.client.GenerateImage(m.ctx, prompt)
				m.processResult(img, err)
			}()
			m.displaySpinner()
			m.promptHistory = append(m.promptHistory, prompt)
			m.promptHistoryOffset = 0
			m.messages = append(m.messages, m.senderStyle.Render("You: ")+prompt)
			m.updateMessages()
		}

	// We handle errors just like any other message
	case errMsg:
		m.err = msg
		return m, nil
	}

	return m, tea.Batch(tiCmd, vpCmd)
}

func (m *CliClient) displaySpinner() {
	go func() {
		for m.inProgress.Load() {
			time.Sleep(50 * time.Millisecond)
			m.mu.Lock()
			tick := m.loader.Tick()
			m.mu.Unlock()
			m.Update(tick)
		}
	}()
}

// updateMessages refreshes the viewport from the message log. Callers hold mu.
func (m *CliClient) updateMessages() {
	if len(m.messages) > 10 {
		m.messages = m.messages[1:]
	}
	m.viewport.SetContent(strings.Join(m.messages, "\n"))
	m.textarea.Reset()
	m.viewport.GotoBottom()
}

func (m *CliClient) processResult(img *dto.GeneratedImage, err error) {
	m.mu.Lock()
	if err != nil {
		m.err = err
		m.messages = append(m.messages, m.errorStyle.Render("ERROR: "+err.Error()))
		m.updateMessages()
		m.mu.Unlock()
		return
	}
	m.lastSeed = img.Seed
	line := fmt.Sprintf("%s (seed: %d)", img.ImageURL, img.Seed)
	if img.NSFWContent {
		line += " [flagged NSFW]"
	}
	m.messages = append(m.messages, m.responseStyle.Render("Provider: ")+line)
	m.updateMessages()
	m.mu.Unlock()

	m.saveImage(img)
}

// saveImage downloads outside the lock, then reports the outcome.
func (m *CliClient) saveImage(img *dto.GeneratedImage) {
	ext := strings.ToLower(m.cfg.OutputFormat)
	if ext == "" {
		ext = strings.ToLower(DefaultOutputFormat)
	}
	fileName := filepath.Join(m.outDir, fmt.Sprintf("%s.%s", img.TaskUUID, ext))
	var message string
	if err := m.fetcher.SaveTo(m.ctx, img.ImageURL, fileName); err != nil {
		message = fmt.Sprintf("failed to save image %q to %s: %q", img.TaskUUID, fileName, err.Error())
	} else {
		message = "image saved to " +
			termlink.ColorLink(filepath.Base(fileName), fmt.Sprintf("file://%s", fileName), "italic green")
	}
	m.mu.Lock()
	m.messages = append(m.messages, m.responseStyle.Render("Provider: ")+message)
	m.updateMessages()
	m.mu.Unlock()
}

func (m *CliClient) View() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	dialogView := m.textarea.View()
	if m.inProgress.Load() {
		dialogView = m.loader.View()
	}
	header := headerStyle.Render("Session: " + m.client.SessionUUID())
	if m.lastSeed != 0 {
		header += headerStyle.Render(fmt.Sprintf("; last seed: %d", m.lastSeed))
	}
	return header + fmt.Sprintf(
		"\n\n%s\n\n%s",
		m.viewport.View(),
		dialogView,
	) + "\n\n"
}
