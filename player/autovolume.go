package player

import (
	"context"
	"math"

	log "github.com/sirupsen/logrus"

	spintunes "github.com/spintunes/go-spintunes"
	"github.com/spintunes/go-spintunes/config"
)

const (
	// driftThreshold is the manual volume delta above which the user is told
	// the curve has been adjusted. Smaller drift is folded in silently.
	driftThreshold = 0.1

	// minVolumeStep avoids hammering the backend with sub-percent changes.
	minVolumeStep = 0.01
)

// VolumeForSpeed maps a speed sample (m/s) to a target volume. Flat at the
// configured bounds, quadratic in between so the ramp starts gently and
// steepens toward the top of the speed band.
func VolumeForSpeed(cfg config.AutoVolumeConfig, speed float64) float64 {
	if cfg.MaxVolumeAtSpeed <= cfg.MinVolumeAtSpeed {
		return cfg.MaxVolume
	}

	if speed <= cfg.MinVolumeAtSpeed {
		return cfg.MinVolume
	}
	if speed >= cfg.MaxVolumeAtSpeed {
		return cfg.MaxVolume
	}

	frac := (speed - cfg.MinVolumeAtSpeed) / (cfg.MaxVolumeAtSpeed - cfg.MinVolumeAtSpeed)
	return cfg.MinVolume + (cfg.MaxVolume-cfg.MinVolume)*frac*frac
}

// AutoVolume adjusts the playback volume with the device's speed. Manual
// volume changes made while the controller runs are detected as drift from
// the last commanded value and carried forward as a persistent offset, so the
// user's correction shifts the whole curve instead of being fought.
type AutoVolume struct {
	provider *Provider
	settings *config.Store
	speed    spintunes.SpeedSource
	notifier spintunes.Notifier
}

func NewAutoVolume(provider *Provider, settings *config.Store, speed spintunes.SpeedSource, notifier spintunes.Notifier) *AutoVolume {
	return &AutoVolume{
		provider: provider,
		settings: settings,
		speed:    speed,
		notifier: notifier,
	}
}

func (a *AutoVolume) Run(ctx context.Context) {
	speedCh, err := a.speed.Speed(ctx)
	if err != nil {
		log.WithError(err).Warnf("failed subscribing to speed source")
		return
	}

	settingsCh := a.settings.Watch(ctx)

	cfg := a.settings.Get().AutoVolume
	lastSet := -1.0
	userOffset := 0.0

	for {
		select {
		case <-ctx.Done():
			return

		case s, ok := <-settingsCh:
			if !ok {
				return
			}
			if s.AutoVolume != cfg {
				// a changed curve invalidates both the commanded value and
				// the accumulated manual offset
				cfg = s.AutoVolume
				lastSet = -1
				userOffset = 0
			}

		case speed, ok := <-speedCh:
			if !ok {
				return
			}
			if !cfg.Enabled {
				continue
			}

			a.adjust(ctx, cfg, speed, &lastSet, &userOffset)
		}
	}
}

func (a *AutoVolume) adjust(ctx context.Context, cfg config.AutoVolumeConfig, speed float64, lastSet, userOffset *float64) {
	if a.provider.IsLocal() && *lastSet >= 0 {
		if actual, err := a.provider.Local().Volume(); err == nil {
			// any out-of-band change folds into the offset so the curve follows
			// the user; the alert only fires for deliberate-sized changes
			if drift := actual - *lastSet; drift != 0 {
				*userOffset += drift
				*lastSet = actual
				log.Debugf("manual volume change detected, new offset %.2f", *userOffset)

				if math.Abs(drift) >= driftThreshold {
					a.notifier.Alert("Auto volume", "Manual change detected, curve adjusted")
				}
			}
		}
	}

	target := VolumeForSpeed(cfg, speed) + *userOffset
	if target < 0 {
		target = 0
	} else if target > 1 {
		target = 1
	}

	if *lastSet >= 0 && math.Abs(target-*lastSet) < minVolumeStep {
		return
	}

	if err := a.provider.ActiveClient().SetVolume(ctx, target); err != nil {
		log.WithError(err).Warnf("failed setting volume for speed %.1f", speed)
		return
	}

	log.Debugf("auto volume set to %.2f for speed %.1f m/s", target, speed)
	*lastSet = target
}
