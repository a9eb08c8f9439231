package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/losocloud/losocloud/internal/auth"
	"github.com/losocloud/losocloud/pkg/types"
)

// walletLedgerLimit caps the number of ledger entries returned.
const walletLedgerLimit = 50

func (s *Server) getWallet(c echo.Context) error {
	userID, ok := auth.GetUserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication required"})
	}

	ctx := c.Request().Context()
	balance, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	entries, err := s.store.ListLedgerEntries(ctx, userID, walletLedgerLimit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	out := types.WalletResponse{Balance: balance, Entries: []types.LedgerEntry{}}
	for i := range entries {
		e := &entries[i]
		wire := types.LedgerEntry{
			ID:        e.ID.String(),
			Type:      e.Type,
			Amount:    e.Amount,
			Balance:   e.Balance,
			Meta:      e.Meta,
			CreatedAt: e.CreatedAt,
		}
		if e.RefID != nil {
			wire.RefID = e.RefID.String()
		}
		out.Entries = append(out.Entries, wire)
	}
	return c.JSON(http.StatusOK, out)
}
