package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"blocktree/models"
)

const registrationTimeout = 5 * time.Minute

type partyRequest struct {
	Email string `json:"email"`
	Party string `json:"party"`
}

type userRequest struct {
	Identifier string `json:"identifier"`
}

func (s *Server) addUser(c echo.Context) error {
	var identity models.Identity
	if err := c.Bind(&identity); err != nil {
		return badRequest("Invalid user payload")
	}

	ctx, cancel := requestTimeout(c, registrationTimeout)
	defer cancel()

	block, err := s.service.Register(ctx, identity)
	if err != nil {
		return err
	}
	return respond(c, false, "User added successfully", echo.Map{"block": block})
}

func (s *Server) updateUser(c echo.Context) error {
	var identity models.Identity
	if err := c.Bind(&identity); err != nil {
		return badRequest("Invalid user payload")
	}
	if err := s.service.Update(identity); err != nil {
		return err
	}
	return respond(c, false, "User updated successfully", nil)
}

func (s *Server) castVote(c echo.Context) error {
	var req partyRequest
	if err := c.Bind(&req); err != nil || req.Email == "" || req.Party == "" {
		return badRequest("Email and party name must be provided")
	}
	receipt, err := s.service.CastVote(req.Email, req.Party)
	if err != nil {
		return err
	}
	return respond(c, false, fmt.Sprintf("Vote cast successfully for %s", req.Party), echo.Map{"receipt": receipt})
}

func (s *Server) partyVotes(c echo.Context) error {
	var req partyRequest
	if err := c.Bind(&req); err != nil || req.Party == "" {
		return badRequest("Party name must be provided")
	}
	return respond(c, false, "Vote count retrieved", echo.Map{
		"party": req.Party,
		"votes": s.service.PartyVotes(req.Party),
	})
}

func (s *Server) results(c echo.Context) error {
	return respond(c, false, "Results retrieved", echo.Map{"results": s.service.Results()})
}

func (s *Server) checkVote(c echo.Context) error {
	var req partyRequest
	if err := c.Bind(&req); err != nil || req.Email == "" {
		return badRequest("Email must be provided")
	}
	party, err := s.service.CheckVote(req.Email)
	if err != nil {
		return err
	}
	return respond(c, false, fmt.Sprintf("User voted for %s", party), echo.Map{"party": party})
}

func (s *Server) userDetails(c echo.Context) error {
	var req userRequest
	if err := c.Bind(&req); err != nil || req.Identifier == "" {
		return badRequest("Identifier must be provided")
	}
	user, err := s.service.User(req.Identifier)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "User not found")
	}
	return respond(c, false, "User details retrieved", echo.Map{"user": user})
}

func (s *Server) verifyReceipt(c echo.Context) error {
	var receipt models.VoteReceipt
	if err := c.Bind(&receipt); err != nil || receipt.Voter == "" {
		return badRequest("Invalid receipt payload")
	}
	if err := s.service.VerifyReceipt(&receipt); err != nil {
		return respond(c, true, err.Error(), echo.Map{"valid": false})
	}
	return respond(c, false, "Receipt verified", echo.Map{"valid": true})
}

// verifyTree checks the links between blocks. With ?seals=true every block
// digest is recomputed as well.
func (s *Server) verifyTree(c echo.Context) error {
	report := s.service.Verify()
	if c.QueryParam("seals") == "true" {
		report = s.service.VerifySeals()
	}
	message := "Tree integrity verified successfully"
	if !report.Valid {
		message = "Tree integrity check failed"
	}
	return respond(c, !report.Valid, message, echo.Map{
		"integrity": report.Valid,
		"report":    report,
	})
}

func (s *Server) tree(c echo.Context) error {
	return respond(c, false, "All Tree Data", echo.Map{"tree": s.service.Tree()})
}

func (s *Server) health(c echo.Context) error {
	return respond(c, false, "Service is healthy", nil)
}

func (s *Server) metrics(c echo.Context) error {
	m := s.service.Metrics()
	return respond(c, false, "Metrics retrieved", echo.Map{
		"totalUsers":   m.TotalUsers,
		"totalBlocks":  m.TotalBlocks,
		"totalVotes":   m.TotalVotes,
		"sealing":      m.Sealing,
		"lastBlockId":  m.LastBlockID,
		"lastBlock":    m.LastBlock,
		"registration": m.Registration,
		"voting":       m.Voting,
	})
}

func (s *Server) shutdown(c echo.Context) error {
	s.service.Shutdown()
	return respond(c, false, "BlockTree shutdown successfully", nil)
}
