package pool

import (
	"crypto/subtle"
	"errors"

	"github.com/tos-network/stratum-pool/internal/chain"
	"github.com/tos-network/stratum-pool/internal/job"
	"github.com/tos-network/stratum-pool/internal/ledger"
	"github.com/tos-network/stratum-pool/internal/metrics"
	"github.com/tos-network/stratum-pool/internal/storage"
	"github.com/tos-network/stratum-pool/internal/stratum"
	"github.com/tos-network/stratum-pool/internal/util"
)

var (
	errInvalidParams   = stratum.NewError(stratum.CodeInvalidParams, "invalid params")
	errInvalidPassword = stratum.NewError(stratum.CodeInvalidParams, "invalid password")
	errNotSupported    = stratum.NewError(stratum.CodeOther, "Not supported.")
	errJobNotFound     = stratum.NewError(stratum.CodeJobNotFound, "job not found")
	errUnauthorized    = stratum.NewError(stratum.CodeUnauthorized, "unauthorized user")
	errNotSubscribed   = stratum.NewError(stratum.CodeNotSubscribed, "not subscribed")
	errInvalidAddress  = stratum.NewError(stratum.CodeInvalidAddress, "invalid address")
	errHighHash        = stratum.NewError(stratum.CodeHighHash, "high-hash")
	errDuplicate       = stratum.NewError(stratum.CodeDuplicate, "duplicate")
	errTimeTooOld      = stratum.NewError(stratum.CodeOther, "time too old")
	errTimeTooNew      = stratum.NewError(stratum.CodeOther, "time too new")
	errNoJob           = stratum.NewError(stratum.CodeOther, "job unavailable")
	errInternal        = stratum.NewError(stratum.CodeOther, "internal error")
)

// Admit refuses banned hosts and hosts over the connection limit
func (c *Coordinator) Admit(host string) bool {
	if c.policy == nil {
		return true
	}
	if c.policy.IsBanned(host) {
		return false
	}
	return c.policy.ApplyConnectionLimit(host)
}

func (c *Coordinator) HandleOpen(s *stratum.Session) {
	metrics.RecordConnection(portLabel(s))
	util.Debugf("New connection (%s) at port %d.", s.Name(), s.Port().Port)
}

func (c *Coordinator) HandleClose(s *stratum.Session) {
	c.stopKeepAlive(s)
	metrics.RecordDisconnect(portLabel(s))
	util.Debugf("Client disconnected (%s).", s.Name())
}

// HandleBan records the host in the ban list and drops the session
func (c *Coordinator) HandleBan(s *stratum.Session) {
	util.Infof("Banning client (%s).", s.Name())
	if c.policy != nil && c.policy.Ban(s.Host) {
		metrics.RecordBan()
	}
	s.Destroy()
}

// HandleRequest dispatches one client request. Requests from all sessions
// are handled one at a time.
func (c *Coordinator) HandleRequest(s *stratum.Session, req *stratum.Request) {
	c.packetMu.Lock()
	defer c.packetMu.Unlock()

	util.Debugf("Client sent %s (%s).", req.Method, s.Name())

	var err *stratum.Error
	switch req.Kind() {
	case stratum.MethodSubscribe:
		err = c.handleSubscribe(s, req)
	case stratum.MethodAuthorize:
		err = c.handleAuthorize(s, req)
	case stratum.MethodSubmit:
		err = c.handleSubmit(s, req)
	case stratum.MethodExtranonceSubscribe:
		err = errNotSupported
	case stratum.MethodGetTransactions:
		err = c.handleTransactions(s, req)
	case stratum.MethodAuthorizeAdmin:
		err = c.handleAuthAdmin(s, req)
	case stratum.MethodAddUser:
		err = c.handleAddUser(s, req)
	default:
		util.Debugf("Unknown method %q (%s).", req.Method, s.Name())
		s.SendUnknown(req)
		return
	}

	if err != nil {
		s.SendError(req, err)
	}
}

func (c *Coordinator) handleSubscribe(s *stratum.Session, req *stratum.Request) *stratum.Error {
	if len(req.Params) > 0 && req.Params[0] != nil {
		agent, ok := req.Params[0].(string)
		if !ok || !util.IsAgent(agent) {
			return errInvalidParams
		}
		s.SetAgent(agent)
	}
	// A session id hint is validated but never honoured
	if len(req.Params) > 1 && req.Params[1] != nil {
		hint, ok := req.Params[1].(string)
		if !ok || !util.IsSID(hint) {
			return errInvalidParams
		}
	}

	j, err := c.getJob(c.ctx)
	if err != nil {
		util.Errorf("Failed to create job: %v", err)
		return errNoJob
	}

	sid := c.nextSID()
	s.Subscribe(sid)
	c.markSubscribed()

	hex := util.Hex32(sid)
	s.SendResponse(req, []interface{}{
		[][]string{{stratum.NotifyMethod, hex}, {stratum.SetDifficultyMethod, hex}},
		hex,
		chain.Nonce2Size,
	})
	s.SetDifficulty(s.Port().Difficulty)
	s.SendJob(j, false)

	c.startKeepAlive(s, req, []interface{}{
		[][]string{{stratum.NotifyMethod, hex}},
		hex,
		chain.Nonce2Size,
	})

	util.Debugf("Client has subscribed with sid %s (%s).", hex, s.Name())
	return nil
}

func (c *Coordinator) handleAuthorize(s *stratum.Session, req *stratum.Request) *stratum.Error {
	username, password, ok := credentials(req.Params)
	if !ok {
		return errInvalidParams
	}
	if !ledger.ValidAddress(username, c.params) {
		return errInvalidAddress
	}

	if c.policy != nil && !c.policy.ApplyLoginPolicy(username, s.Host) {
		s.SendResponse(req, false)
		return nil
	}

	if !c.auth(username, password) {
		util.Debugf("Client failed auth for user %s (%s).", username, s.Name())
		s.IncreaseBan(1)
		s.SendResponse(req, false)
		return nil
	}

	if s.AddUser(username) {
		util.Infof("Authorized user %s (%s).", username, s.Name())
	}
	s.SendResponse(req, true)
	return nil
}

// auth checks a login, provisioning unknown users when auto_add_user is set
func (c *Coordinator) auth(username, password string) bool {
	user, ok := c.store.GetUser(username)
	if ok {
		return user.Verify(password)
	}
	if !c.cfg.Pool.AutoAddUser {
		return false
	}
	if err := c.store.AddUser(ledger.NewUser(username, password)); err != nil {
		util.Errorf("Failed to add user %s: %v", username, err)
		return false
	}
	util.Infof("Added user %s.", username)
	return true
}

func (c *Coordinator) handleSubmit(s *stratum.Session, req *stratum.Request) *stratum.Error {
	sub, err := job.ParseSubmission(req.Params)
	if err != nil {
		util.Debugf("Bad submission: %v (%s).", err, s.Name())
		metrics.RecordShare(metrics.ShareInvalid)
		return errInvalidParams
	}

	if !s.HasUser(sub.Username) {
		return errUnauthorized
	}

	sid, ok := s.SID()
	if !ok {
		return errNotSubscribed
	}

	j, current := c.lookupJob(sub.JobID)
	if j == nil || j.Committed() {
		util.Debugf("Job not found: %s (%s).", sub.JobID, s.Name())
		metrics.RecordShare(metrics.ShareStale)
		return errJobNotFound
	}
	if j != current {
		util.Warnf("Received stale share for job %s (%s).", j.ID, s.Name())
	}

	now := c.now()
	ts := int64(sub.Time)
	window := int64(SubmitWindow.Seconds())
	if ts < now.Unix()-window {
		return errTimeTooOld
	}
	if ts > now.Unix()+window {
		return errTimeTooNew
	}

	proof := j.Check(sid, sub)
	difficulty := s.Difficulty()

	if proof.Difficulty() < difficulty-1 {
		util.Debugf("Client submitted a low share of %.4f, hash=%s (%s).",
			proof.Difficulty(), proof.Hash, s.Name())
		metrics.RecordShare(metrics.ShareHighHash)
		s.IncreaseBan(1)
		s.SendError(req, errHighHash)
		s.SendDifficulty(difficulty)
		return nil
	}

	if !j.Insert(proof.Hash) {
		util.Debugf("Client submitted a duplicate share: %s (%s).", proof.Hash, s.Name())
		metrics.RecordShare(metrics.ShareDuplicate)
		s.IncreaseBan(10)
		return errDuplicate
	}

	// credit the work the share proves, not the session target
	c.stats.AddUserShare(sub.Username, proof.Difficulty())
	c.recordShare(sub.Username, proof.Difficulty())
	metrics.RecordShare(metrics.ShareValid)

	util.Debugf("Accepted share of %.4f for %s (%s).", proof.Difficulty(), sub.Username, s.Name())

	if proof.Verify(j.Target) {
		block, err := j.Commit(proof)
		if err != nil {
			util.Errorf("Failed to commit job %s: %v", j.ID, err)
			if errors.Is(err, job.ErrCommitted) {
				return errJobNotFound
			}
			return errInternal
		}
		if serr := c.addBlock(c.ctx, s, sub.Username, j, block); serr != nil {
			s.SendError(req, serr)
		} else {
			s.SendResponse(req, true)
		}
	} else {
		s.SendResponse(req, true)
	}

	if s.Port().Dynamic && s.Retarget(j.Difficulty) {
		util.Debugf("Retargeted client to %.4f (%s).", s.NextDifficulty(), s.Name())
	}
	return nil
}

// recordShare adds an accepted share to the Redis hashrate window
func (c *Coordinator) recordShare(username string, difficulty float64) {
	if c.redis == nil {
		return
	}
	share := &storage.Share{
		ID:         c.shares.Add(1),
		Username:   username,
		Difficulty: difficulty,
		Time:       c.now().Unix(),
	}
	if err := c.redis.WriteShare(share, HashrateWindow); err != nil {
		util.Warnf("Failed to record share for %s: %v", username, err)
	}
}

func (c *Coordinator) handleTransactions(s *stratum.Session, req *stratum.Request) *stratum.Error {
	if _, ok := s.SID(); !ok {
		return errNotSubscribed
	}
	if len(req.Params) < 1 {
		return errJobNotFound
	}
	id, ok := req.Params[0].(string)
	if !ok || !util.IsJobID(id) {
		return errJobNotFound
	}

	j, _ := c.lookupJob(id)
	if j == nil || j.Committed() {
		return errJobNotFound
	}

	util.Debugf("Sending tx list for job %s (%s).", id, s.Name())
	s.SendResponse(req, j.Attempt.TxIDs())
	return nil
}

func (c *Coordinator) handleAuthAdmin(s *stratum.Session, req *stratum.Request) *stratum.Error {
	if len(req.Params) < 1 {
		return errInvalidParams
	}
	password, ok := req.Params[0].(string)
	if !ok || !util.IsPassword(password) || !c.authAdmin(password) {
		util.Warnf("Client sent bad admin password (%s).", s.Name())
		s.IncreaseBan(10)
		return errInvalidPassword
	}

	s.SetAdmin()
	util.Infof("Client authorized as admin (%s).", s.Name())
	s.SendResponse(req, true)
	return nil
}

func (c *Coordinator) authAdmin(password string) bool {
	hash := ledger.HashPassword(password)
	return subtle.ConstantTimeCompare(hash[:], c.adminHash[:]) == 1
}

func (c *Coordinator) handleAddUser(s *stratum.Session, req *stratum.Request) *stratum.Error {
	username, password, ok := credentials(req.Params)
	if !ok {
		return errInvalidParams
	}
	if !s.IsAdmin() {
		return errInvalidPassword
	}

	if err := c.store.AddUser(ledger.NewUser(username, password)); err != nil {
		if errors.Is(err, ledger.ErrUserExists) {
			return stratum.NewError(stratum.CodeInvalidParams, "user already exists")
		}
		util.Errorf("Failed to add user %s: %v", username, err)
		return stratum.NewError(stratum.CodeInvalidParams, err.Error())
	}

	util.Infof("Admin added user %s (%s).", username, s.Name())
	s.SendResponse(req, true)
	return nil
}

// credentials reads a [username, password] parameter pair
func credentials(params []interface{}) (string, string, bool) {
	if len(params) < 2 {
		return "", "", false
	}
	username, ok := params[0].(string)
	if !ok || !util.IsUsername(username) {
		return "", "", false
	}
	password, ok := params[1].(string)
	if !ok || !util.IsPassword(password) {
		return "", "", false
	}
	return username, password, true
}
