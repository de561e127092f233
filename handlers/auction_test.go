// handlers/auction_test.go
package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newCreateRequest builds a create-auction form carrying one photo, so
// a handler that touched the blob store before validating would blow up
// in these tests (no blob store is configured here).
func newCreateRequest(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for key, value := range fields {
		require.NoError(t, w.WriteField(key, value))
	}
	fw, err := w.CreateFormFile("photos", "front.jpg")
	require.NoError(t, err)
	_, err = fw.Write([]byte("jpeg bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return body, w.FormDataContentType()
}

func TestCreateAuctionValidatesBeforePhotoUpload(t *testing.T) {
	app := fiber.New()
	SetupAuctionRoutes(app, nil, nil)

	cases := []struct {
		name   string
		fields map[string]string
	}{
		{"missing title", map[string]string{
			"creator":          "0xCreator",
			"duration_seconds": "3600",
		}},
		{"blank title", map[string]string{
			"title":            "   ",
			"creator":          "0xCreator",
			"duration_seconds": "3600",
		}},
		{"missing creator", map[string]string{
			"title":            "Vintage watch",
			"duration_seconds": "3600",
		}},
		{"zero duration", map[string]string{
			"title":            "Vintage watch",
			"creator":          "0xCreator",
			"duration_seconds": "0",
		}},
		{"garbage duration", map[string]string{
			"title":            "Vintage watch",
			"creator":          "0xCreator",
			"duration_seconds": "soon",
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, contentType := newCreateRequest(t, tc.fields)
			req := httptest.NewRequest(fiber.MethodPost, "/auctions", body)
			req.Header.Set(fiber.HeaderContentType, contentType)

			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
		})
	}
}
