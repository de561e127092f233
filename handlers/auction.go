// handlers/auction.go
package handlers

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"auction-backend/models"
	"auction-backend/services"
	"auction-backend/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

const maxPhotosPerAuction = 5

// AuctionHandler exposes the record store surface and the lifecycle
// operations of the reconciliation engine over plain HTTP.
type AuctionHandler struct {
	Rec   *services.Reconciler
	Store services.AuctionRecords
	Now   func() time.Time
}

func SetupAuctionRoutes(app *fiber.App, rec *services.Reconciler, store services.AuctionRecords) {
	h := &AuctionHandler{Rec: rec, Store: store, Now: time.Now}

	app.Get("/auctions", h.ListAuctions)
	app.Get("/auctions/active", h.ListActiveAuctions)
	app.Get("/auctions/creator/:address", h.ListByCreator)
	app.Post("/auctions", h.CreateAuction)
	app.Put("/auctions/:id", h.UpdateAuction)
	app.Delete("/auctions/:id", h.DeleteAuction)

	app.Post("/auctions/:id/bids", h.PlaceBid)
	app.Post("/auctions/:id/end", h.EndAuction)
	app.Post("/auctions/:id/claim", h.Claim)

	app.Get("/file/:name", h.ServePhoto)
}

// auctionView decorates a record with its derived phase and countdown.
// Both are recomputed on every read, never stored.
type auctionView struct {
	models.Auction
	Phase     models.Phase `json:"phase"`
	Countdown string       `json:"countdown"`
}

func (h *AuctionHandler) view(a models.Auction) auctionView {
	now := h.Now()
	return auctionView{
		Auction:   a,
		Phase:     models.PhaseOf(&a, now),
		Countdown: models.CountdownOf(a.EndAt, now).String(),
	}
}

func (h *AuctionHandler) views(auctions []models.Auction) []auctionView {
	out := make([]auctionView, 0, len(auctions))
	for _, a := range auctions {
		out = append(out, h.view(a))
	}
	return out
}

func (h *AuctionHandler) ListAuctions(c *fiber.Ctx) error {
	auctions, err := h.Store.All(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(h.views(auctions))
}

func (h *AuctionHandler) ListActiveAuctions(c *fiber.Ctx) error {
	auctions, err := h.Store.Active(c.Context(), h.Now())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(h.views(auctions))
}

func (h *AuctionHandler) ListByCreator(c *fiber.Ctx) error {
	auctions, err := h.Store.ByCreator(c.Context(), c.Params("address"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(h.views(auctions))
}

// CreateAuction accepts the multipart form (title, description,
// starting_price, creator, duration_seconds, photos[]). Photos go to
// the blob store first; only then is the ledger touched, so a retry
// reuses the same blob names. An optional ledger_ref field drives the
// orphan-recovery path: persistence is re-attempted for an auction
// that already exists on the ledger, skipping the contract call.
func (h *AuctionHandler) CreateAuction(c *fiber.Ctx) error {
	// Field validation runs before any blob upload so a rejected
	// request leaves nothing behind in the photo store.
	title := strings.TrimSpace(c.FormValue("title"))
	if title == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "title is required"})
	}
	creator := c.FormValue("creator")
	if creator == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "creator is required"})
	}

	durationSeconds, err := strconv.ParseInt(c.FormValue("duration_seconds"), 10, 64)
	if err != nil || durationSeconds <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid duration_seconds"})
	}

	startingPrice := decimal.Zero
	if raw := c.FormValue("starting_price"); raw != "" {
		startingPrice, err = decimal.NewFromString(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid starting_price"})
		}
	}

	var photoNames []string
	if form, err := c.MultipartForm(); err == nil && form != nil {
		files := form.File["photos"]
		if len(files) > maxPhotosPerAuction {
			files = files[:maxPhotosPerAuction]
		}
		for _, fh := range files {
			name, err := utils.UploadPhoto(fh, utils.PhotoKey(title, fh.Filename))
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).
					JSON(fiber.Map{"error": "failed to upload photo"})
			}
			photoNames = append(photoNames, name)
		}
	}

	spec := services.AuctionSpec{
		Title:           title,
		Description:     c.FormValue("description"),
		StartingPrice:   startingPrice,
		DurationSeconds: durationSeconds,
		PhotoNames:      photoNames,
	}

	var auction *models.Auction
	if raw := c.FormValue("ledger_ref"); raw != "" {
		ledgerRef, parseErr := strconv.ParseUint(raw, 10, 64)
		if parseErr != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid ledger_ref"})
		}
		auction, err = h.Rec.RecoverOrphan(c.Context(), ledgerRef, spec, creator)
	} else {
		auction, err = h.Rec.CreateAuction(c.Context(), spec, creator)
	}
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(h.view(*auction))
}

type bidRequest struct {
	AmountEth string `json:"amount_eth"`
	Bidder    string `json:"bidder"`
}

func (h *AuctionHandler) PlaceBid(c *fiber.Ctx) error {
	var req bidRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Bidder == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bidder is required"})
	}

	amountEth, err := decimal.NewFromString(req.AmountEth)
	if err != nil || amountEth.LessThanOrEqual(decimal.Zero) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid amount_eth"})
	}

	amountWei := amountEth.Shift(18).BigInt()
	auction, err := h.Rec.PlaceBid(c.Context(), c.Params("id"), amountWei, req.Bidder)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(h.view(*auction))
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func (h *AuctionHandler) EndAuction(c *fiber.Ctx) error {
	var req callerRequest
	if err := c.BodyParser(&req); err != nil || req.Caller == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "caller is required"})
	}

	auction, err := h.Rec.EndAuction(c.Context(), c.Params("id"), req.Caller)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(h.view(*auction))
}

func (h *AuctionHandler) Claim(c *fiber.Ctx) error {
	var req callerRequest
	if err := c.BodyParser(&req); err != nil || req.Caller == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "caller is required"})
	}

	auction, err := h.Rec.Claim(c.Context(), c.Params("id"), req.Caller)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(h.view(*auction))
}

// UpdateAuction applies a partial field update. Identity fields are
// immutable, money_claimed cannot be reset and end_at only ever moves
// earlier.
func (h *AuctionHandler) UpdateAuction(c *fiber.Ctx) error {
	var body map[string]interface{}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	current, err := h.Store.ByID(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	fields := map[string]interface{}{}
	for key, value := range body {
		switch key {
		case "id", "ledger_ref", "creator", "created_at", "duration_seconds":
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": key + " is immutable"})
		case "title", "description", "cached_highest_bidder":
			fields[key] = value
		case "starting_price", "cached_highest_bid":
			raw, ok := value.(string)
			if !ok {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid " + key})
			}
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid " + key})
			}
			fields[key] = d
		case "money_claimed":
			claimed, ok := value.(bool)
			if !ok || (!claimed && current.MoneyClaimed) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "money_claimed cannot be reset"})
			}
			fields[key] = claimed
		case "end_at":
			raw, ok := value.(string)
			if !ok {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid end_at"})
			}
			endAt, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid end_at, use RFC3339"})
			}
			if endAt.After(current.EndAt) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "end_at can only move earlier"})
			}
			fields[key] = endAt
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown field " + key})
		}
	}
	if len(fields) == 0 {
		return c.JSON(h.view(*current))
	}

	updated, err := h.Store.UpdateFields(c.Context(), c.Params("id"), fields)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(h.view(*updated))
}

func (h *AuctionHandler) DeleteAuction(c *fiber.Ctx) error {
	caller := c.Query("caller")
	if caller == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "caller query parameter is required"})
	}

	if err := h.Rec.DeleteAuction(c.Context(), c.Params("id"), caller); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "auction deleted"})
}

// ServePhoto streams a photo binary from the blob store.
func (h *AuctionHandler) ServePhoto(c *fiber.Ctx) error {
	body, contentType, err := utils.OpenPhoto(c.Context(), c.Params("name"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no file exists"})
	}
	if contentType != "" {
		c.Set(fiber.HeaderContentType, contentType)
	}
	return c.SendStream(body)
}

// respondError maps the engine's typed failures onto HTTP statuses. A
// divergence response includes the ledgerRef so the caller can retry
// the store write alone.
func respondError(c *fiber.Ctx, err error) error {
	var divergence *services.DivergenceError
	if errors.As(err, &divergence) {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":      err.Error(),
			"ledger_ref": divergence.LedgerRef,
		})
	}

	switch {
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrNotCreator):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrBidTooLow),
		errors.Is(err, services.ErrInvalidInput),
		errors.Is(err, services.ErrAuctionEnded),
		errors.Is(err, services.ErrStillActive),
		errors.Is(err, services.ErrMissingLedgerRef):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrAlreadySettled),
		errors.Is(err, services.ErrSettlementInFlight),
		errors.Is(err, services.ErrLedgerRejected):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrLedgerUnreachable),
		errors.Is(err, services.ErrStoreUnreachable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
}
