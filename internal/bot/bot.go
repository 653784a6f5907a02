// Package bot presents the command service as Discord slash commands.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/3leaps/unreact/pkg/commands"
	"github.com/3leaps/unreact/pkg/scheduler"
)

// Command names.
const (
	CmdPing       = "ping"
	CmdEnable     = "enable"
	CmdDisable    = "disable"
	CmdDisableAll = "disableall"
	CmdList       = "list"

	linksOption = "links"
)

// Interaction tokens stay valid for 15 minutes.
const commandTimeout = 10 * time.Minute

// Session is the subset of *discordgo.Session the bot talks to.
type Session interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ApplicationCommandBulkOverwrite(appID string, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	HeartbeatLatency() time.Duration
}

// Commands is the command service surface used by the bot.
type Commands interface {
	Enable(ctx context.Context, input string) []commands.Result
	Disable(ctx context.Context, input string) []commands.Result
	DisableAll(ctx context.Context) (int, error)
	List(ctx context.Context) ([]scheduler.Entry, error)
}

var _ Commands = (*commands.Service)(nil)

// Config configures a Bot.
type Config struct {
	// GuildID scopes command registration to one guild. Empty registers
	// global commands.
	GuildID string

	// Interval is shown in /list replies.
	Interval time.Duration
}

// Bot routes slash-command interactions to the command service.
type Bot struct {
	session  Session
	commands Commands
	cfg      Config
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add against Close so Add never races Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a bot. Interactions are served with contexts derived from ctx.
func New(ctx context.Context, session Session, cmds Commands, cfg Config, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Bot{
		session:  session,
		commands: cmds,
		cfg:      cfg,
		logger:   logger.Named("bot"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Definitions returns the slash commands the bot serves.
func Definitions() []*discordgo.ApplicationCommand {
	perm := int64(discordgo.PermissionManageMessages)
	dm := false

	links := []*discordgo.ApplicationCommandOption{{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        linksOption,
		Description: "Message links, separated by spaces, commas or newlines",
		Required:    true,
	}}

	def := func(name, desc string, opts []*discordgo.ApplicationCommandOption) *discordgo.ApplicationCommand {
		return &discordgo.ApplicationCommand{
			Name:                     name,
			Description:              desc,
			Options:                  opts,
			DefaultMemberPermissions: &perm,
			DMPermission:             &dm,
		}
	}

	return []*discordgo.ApplicationCommand{
		def(CmdPing, "Check that the bot is connected", nil),
		def(CmdEnable, "Start removing reactions from messages", links),
		def(CmdDisable, "Stop removing reactions from messages", links),
		def(CmdDisableAll, "Stop removing reactions everywhere", nil),
		def(CmdList, "Show messages whose reactions are being removed", nil),
	}
}

// RegisterCommands overwrites the application's commands with Definitions.
func (b *Bot) RegisterCommands(appID string) error {
	if appID == "" {
		return errors.New("application id is empty")
	}
	registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.cfg.GuildID, Definitions())
	if err != nil {
		return fmt.Errorf("register slash commands: %w", err)
	}
	b.logger.Info("Registered slash commands",
		zap.Int("count", len(registered)),
		zap.String("guild_id", b.cfg.GuildID))
	return nil
}

// OnInteraction is a discordgo event handler. Each interaction is served on
// its own goroutine.
func (b *Bot) OnInteraction(_ *discordgo.Session, ic *discordgo.InteractionCreate) {
	if ic == nil || ic.Interaction == nil || ic.Type != discordgo.InteractionApplicationCommand {
		return
	}
	b.mu.Lock()
	if b.closed || b.ctx.Err() != nil {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		b.Handle(ic.Interaction)
	}()
}

// Handle serves one application-command interaction synchronously.
func (b *Bot) Handle(in *discordgo.Interaction) {
	data := in.ApplicationCommandData()
	logger := b.logger.With(zap.String("command", data.Name), zap.String("interaction_id", in.ID))

	err := b.session.InteractionRespond(in, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		logger.Warn("Failed to defer interaction", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	reply := b.dispatch(ctx, data)
	if _, err := b.session.InteractionResponseEdit(in, &discordgo.WebhookEdit{Content: &reply}); err != nil {
		logger.Warn("Failed to send reply", zap.Error(err))
		return
	}
	logger.Debug("Handled command")
}

func (b *Bot) dispatch(ctx context.Context, data discordgo.ApplicationCommandInteractionData) string {
	switch data.Name {
	case CmdPing:
		return formatPing(b.session.HeartbeatLatency())
	case CmdEnable:
		return formatResults(b.commands.Enable(ctx, linksArg(data)))
	case CmdDisable:
		return formatResults(b.commands.Disable(ctx, linksArg(data)))
	case CmdDisableAll:
		n, err := b.commands.DisableAll(ctx)
		if err != nil {
			b.logger.Warn("Disable all failed", zap.Error(err))
		}
		return formatDisableAll(n, err)
	case CmdList:
		entries, err := b.commands.List(ctx)
		if err != nil {
			b.logger.Warn("List failed", zap.Error(err))
			return "Could not read the list of cleaned messages."
		}
		return formatList(entries, b.cfg.Interval)
	default:
		return fmt.Sprintf("Unknown command %q.", data.Name)
	}
}

func linksArg(data discordgo.ApplicationCommandInteractionData) string {
	for _, opt := range data.Options {
		if opt.Name == linksOption && opt.Type == discordgo.ApplicationCommandOptionString {
			return opt.StringValue()
		}
	}
	return ""
}

// Close stops accepting interactions and waits for in-flight ones or ctx.
func (b *Bot) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.cancel()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
