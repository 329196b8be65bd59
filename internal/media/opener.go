package media

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RTPOpener builds the local capture tracks as static RTP tracks. The
// capture pipeline feeding them is external: anything able to write
// Opus and VP8 RTP packets into the returned tracks can drive them.
type RTPOpener struct{}

func (RTPOpener) OpenCapture(ctx context.Context) (*webrtc.TrackLocalStaticRTP, *webrtc.TrackLocalStaticRTP, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}

	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, "audio", uuid.NewString())
	if err != nil {
		return nil, nil, nil, err
	}

	video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "video", uuid.NewString())
	if err != nil {
		return nil, nil, nil, err
	}

	stop := func() {
		log.Info().Str("module", "media").Msg("capture tracks released")
	}
	return audio, video, stop, nil
}
