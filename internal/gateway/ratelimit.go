package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Gateway with a token bucket on every outbound call, a
// guard rail under the platform's own limiter so alert bursts cannot starve
// DM sessions.
type RateLimited struct {
	inner   Gateway
	limiter *rate.Limiter
}

// WithRateLimit wraps gw. perSecond <= 0 disables the bucket.
func WithRateLimit(gw Gateway, perSecond float64, burst int) Gateway {
	if perSecond <= 0 {
		return gw
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{inner: gw, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (g *RateLimited) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return g.inner.SendMessage(ctx, channelID, text)
}

func (g *RateLimited) SendEmbed(ctx context.Context, channelID, content string, embed *Embed, buttons []Button) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return g.inner.SendEmbed(ctx, channelID, content, embed, buttons)
}

func (g *RateLimited) EditEmbed(ctx context.Context, channelID, messageID, content string, embed *Embed, buttons []Button) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return g.inner.EditEmbed(ctx, channelID, messageID, content, embed, buttons)
}

func (g *RateLimited) OpenDM(ctx context.Context, userID string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return g.inner.OpenDM(ctx, userID)
}

func (g *RateLimited) MemberHasRole(ctx context.Context, guildID, userID, roleID string) (bool, error) {
	return g.inner.MemberHasRole(ctx, guildID, userID, roleID)
}

func (g *RateLimited) Connected() bool { return g.inner.Connected() }

func (g *RateLimited) Close() error { return g.inner.Close() }
