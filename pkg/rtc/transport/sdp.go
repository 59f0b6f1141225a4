package transport

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

const (
	DependencyDescriptorURI = "https://aomediacodec.github.io/av1-rtp-spec/#dependency-descriptor-rtp-header-extension"

	startBitrateForSVC = 0.7
)

// TrackBitrateInfo caps the encoder of one published track.
type TrackBitrateInfo struct {
	// client track id, matched against the msid of video sections
	Cid string
	// audio sections are matched by the transceiver's mid
	Transceiver *webrtc.RTPTransceiver
	Codec       string
	// kbps
	MaxBitrate uint32
}

func isSVCCodec(codec string) bool {
	switch strings.ToLower(codec) {
	case "av1", "vp9":
		return true
	default:
		return false
	}
}

func getMidValue(media *sdp.MediaDescription) string {
	for _, attr := range media.Attributes {
		if attr.Key == sdp.AttrKeyMID {
			return attr.Value
		}
	}
	return ""
}

// codecPayload returns the payload type of the first rtpmap entry for codec, 0 if absent.
func codecPayload(media *sdp.MediaDescription, codec string) int {
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, name, ok := parsePayloadAttr(attr.Value)
		if !ok {
			continue
		}
		if slash := strings.Index(name, "/"); slash > 0 {
			name = name[:slash]
		}
		if strings.EqualFold(name, codec) {
			return pt
		}
	}
	return 0
}

// firstCodec names the codec of the first payload type listed for the section.
func firstCodec(media *sdp.MediaDescription) string {
	if len(media.MediaName.Formats) == 0 {
		return ""
	}
	first, err := strconv.Atoi(media.MediaName.Formats[0])
	if err != nil {
		return ""
	}
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, name, ok := parsePayloadAttr(attr.Value)
		if !ok || pt != first {
			continue
		}
		if slash := strings.Index(name, "/"); slash > 0 {
			name = name[:slash]
		}
		return name
	}
	return ""
}

// parsePayloadAttr splits "<pt> <rest>" attribute values such as rtpmap, fmtp and rtcp-fb.
func parsePayloadAttr(value string) (int, string, bool) {
	space := strings.Index(value, " ")
	if space <= 0 {
		return 0, "", false
	}
	pt, err := strconv.Atoi(value[:space])
	if err != nil {
		return 0, "", false
	}
	return pt, value[space+1:], true
}

func fmtpIndex(media *sdp.MediaDescription, payload int) int {
	for i, attr := range media.Attributes {
		if attr.Key != "fmtp" {
			continue
		}
		if pt, _, ok := parsePayloadAttr(attr.Value); ok && pt == payload {
			return i
		}
	}
	return -1
}

func hasMsid(media *sdp.MediaDescription, cid string) bool {
	for _, attr := range media.Attributes {
		if attr.Key == "msid" && strings.Contains(attr.Value, cid) {
			return true
		}
	}
	return false
}

// extractStereoAndNackAudio lists audio mids of a remote offer that request stereo opus or opus NACK.
func extractStereoAndNackAudio(parsed *sdp.SessionDescription) (stereoMids map[string]bool, nackMids map[string]bool) {
	stereoMids = make(map[string]bool)
	nackMids = make(map[string]bool)
	for _, media := range parsed.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		opus := codecPayload(media, "opus")
		if opus == 0 {
			continue
		}
		mid := getMidValue(media)
		for _, attr := range media.Attributes {
			pt, rest, ok := parsePayloadAttr(attr.Value)
			if !ok || pt != opus {
				continue
			}
			switch attr.Key {
			case "rtcp-fb":
				if rest == "nack" {
					nackMids[mid] = true
				}
			case "fmtp":
				if strings.Contains(rest, "sprop-stereo=1") {
					stereoMids[mid] = true
				}
			}
		}
	}
	return
}

func ensureAudioNackAndStereo(media *sdp.MediaDescription, stereoMids map[string]bool, nackMids map[string]bool) {
	opus := codecPayload(media, "opus")
	if opus == 0 {
		return
	}
	mid := getMidValue(media)

	if nackMids[mid] {
		found := false
		for _, attr := range media.Attributes {
			if attr.Key != "rtcp-fb" {
				continue
			}
			if pt, rest, ok := parsePayloadAttr(attr.Value); ok && pt == opus && rest == "nack" {
				found = true
				break
			}
		}
		if !found {
			media.Attributes = append(media.Attributes, sdp.NewAttribute("rtcp-fb", fmt.Sprintf("%d nack", opus)))
		}
	}

	if stereoMids[mid] {
		if idx := fmtpIndex(media, opus); idx >= 0 && !strings.Contains(media.Attributes[idx].Value, "stereo=1") {
			media.Attributes[idx].Value += ";stereo=1"
		}
	}
}

// ensureIPAddrMatchVersion resets a connection line whose address family disagrees with the address.
func ensureIPAddrMatchVersion(media *sdp.MediaDescription) {
	ci := media.ConnectionInformation
	if ci == nil || ci.Address == nil {
		return
	}
	isV6 := strings.Contains(ci.Address.Address, ":")
	if (ci.AddressType == "IP4" && isV6) || (ci.AddressType == "IP6" && !isV6) {
		ci.AddressType = "IP4"
		ci.Address.Address = "0.0.0.0"
	}
}

func maxExtmapID(media *sdp.MediaDescription) (int, bool) {
	maxID, found := 0, false
	for _, attr := range media.Attributes {
		if attr.Key != sdp.AttrKeyExtMap {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) < 2 {
			continue
		}
		if fields[1] == DependencyDescriptorURI {
			found = true
		}
		idStr := fields[0]
		if slash := strings.Index(idStr, "/"); slash > 0 {
			idStr = idStr[:slash]
		}
		if id, err := strconv.Atoi(idStr); err == nil && id > maxID {
			maxID = id
		}
	}
	return maxID, found
}

// mungeOffer prepares a local offer before it is sent. ddExtID carries the dependency
// descriptor id chosen for the session, 0 until one is needed.
func mungeOffer(parsed *sdp.SessionDescription, trackBitrates []TrackBitrateInfo, ddExtID *int) {
	for _, media := range parsed.MediaDescriptions {
		ensureIPAddrMatchVersion(media)

		switch media.MediaName.Media {
		case "audio":
			ensureAudioNackAndStereo(media, nil, nil)

		case "video":
			for _, tb := range trackBitrates {
				if tb.Cid == "" || !hasMsid(media, tb.Cid) {
					continue
				}
				payload := codecPayload(media, tb.Codec)
				if payload == 0 {
					break
				}
				if isSVCCodec(tb.Codec) {
					ensureVideoDDExtensionForSVC(parsed, media, ddExtID)
				}
				if !strings.EqualFold(tb.Codec, "av1") {
					break
				}
				startBitrate := int(float64(tb.MaxBitrate) * startBitrateForSVC)
				if idx := fmtpIndex(media, payload); idx >= 0 && !strings.Contains(media.Attributes[idx].Value, "x-google-start-bitrate") {
					media.Attributes[idx].Value += fmt.Sprintf(";x-google-start-bitrate=%d", startBitrate)
				}
				break
			}
		}
	}
}

func ensureVideoDDExtensionForSVC(parsed *sdp.SessionDescription, media *sdp.MediaDescription, ddExtID *int) {
	if !isSVCCodec(firstCodec(media)) {
		return
	}
	if _, found := maxExtmapID(media); found {
		return
	}

	if *ddExtID == 0 {
		maxInSdp := 0
		for _, m := range parsed.MediaDescriptions {
			if m.MediaName.Media != "video" {
				continue
			}
			if id, _ := maxExtmapID(m); id > maxInSdp {
				maxInSdp = id
			}
		}
		*ddExtID = maxInSdp + 1
	}
	media.Attributes = append(media.Attributes, sdp.NewAttribute(sdp.AttrKeyExtMap, fmt.Sprintf("%d %s", *ddExtID, DependencyDescriptorURI)))
}

// mungeAnswer prepares a local answer to a remote offer.
func mungeAnswer(parsed *sdp.SessionDescription, stereoMids map[string]bool, nackMids map[string]bool) {
	for _, media := range parsed.MediaDescriptions {
		ensureIPAddrMatchVersion(media)
		if media.MediaName.Media == "audio" {
			ensureAudioNackAndStereo(media, stereoMids, nackMids)
		}
	}
}

// mungeRemoteAnswer applies per track audio bitrate caps to an answer from the server.
func mungeRemoteAnswer(parsed *sdp.SessionDescription, trackBitrates []TrackBitrateInfo) {
	for _, media := range parsed.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		mid := getMidValue(media)
		for _, tb := range trackBitrates {
			if tb.Transceiver == nil || tb.Transceiver.Mid() != mid {
				continue
			}
			payload := codecPayload(media, tb.Codec)
			if payload == 0 {
				break
			}

			capAttr := fmt.Sprintf("maxaveragebitrate=%d", tb.MaxBitrate*1000)
			if idx := fmtpIndex(media, payload); idx >= 0 {
				_, config, _ := parsePayloadAttr(media.Attributes[idx].Value)
				var kept []string
				for _, param := range strings.Split(config, ";") {
					if param != "" && !strings.Contains(param, "maxaveragebitrate") {
						kept = append(kept, param)
					}
				}
				if tb.MaxBitrate > 0 {
					kept = append(kept, capAttr)
				}
				media.Attributes[idx].Value = fmt.Sprintf("%d %s", payload, strings.Join(kept, ";"))
			} else if tb.MaxBitrate > 0 {
				media.Attributes = append(media.Attributes, sdp.NewAttribute("fmtp", fmt.Sprintf("%d %s", payload, capAttr)))
			}
			break
		}
	}
}

func mungeDescription(sd webrtc.SessionDescription, munge func(parsed *sdp.SessionDescription)) (webrtc.SessionDescription, error) {
	parsed, err := sd.Unmarshal()
	if err != nil {
		return sd, err
	}
	munge(parsed)
	bytes, err := parsed.Marshal()
	if err != nil {
		return sd, err
	}
	sd.SDP = string(bytes)
	return sd, nil
}
