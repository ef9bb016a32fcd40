package syncplay

// HandleWebRTC relays a signaling payload between group members. The
// payload passes through untouched; the group only decides who hears it.
// An empty recipient broadcasts to everyone but the sender, a member id
// unicasts, anything else is logged and dropped.
func (c *Controller) HandleWebRTC(sessionID string, req *WebRTCRequest) {
	if !c.HasSession(sessionID) {
		c.logger.WithField("session_id", sessionID).Debug("WebRTC payload from non-member session")
		return
	}

	update := c.NewGroupUpdate(GroupUpdateWebRTC, &WebRTCUpdate{
		FromSessionID: sessionID,
		IsNewSession:  req.IsNewSession,
		IsSessionLeft: req.IsSessionLeft,
		ICECandidate:  req.ICECandidate,
		Offer:         req.Offer,
		Answer:        req.Answer,
	})

	if req.To == "" {
		c.SendGroupUpdate(sessionID, AudienceAllExceptCurrentSession, update)
		return
	}
	if c.HasSession(req.To) {
		c.SendGroupUpdate(req.To, AudienceCurrentSession, update)
		return
	}
	c.logger.WithField("to", req.To).Warn("WebRTC recipient is not a group member, dropping payload")
}
