package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SearchHandler is the public product search surface. Results are served
// from a fixed catalog until the tracker backend lands; the routes exist so
// the admission pipeline has real public traffic shapes to protect.
type SearchHandler struct{}

func NewSearchHandler() *SearchHandler {
	return &SearchHandler{}
}

type searchResult struct {
	Name     string  `json:"name"`
	SKU      string  `json:"sku"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
}

var catalog = []searchResult{
	{Name: "Mechanical Keyboard K870", SKU: "KB-K870", Price: 89.99, Currency: "EUR"},
	{Name: "27\" IPS Monitor", SKU: "MN-27IPS", Price: 249.00, Currency: "EUR"},
	{Name: "USB-C Dock 11-in-1", SKU: "DK-11C", Price: 64.50, Currency: "EUR"},
	{Name: "Noise Cancelling Headset", SKU: "HS-NC700", Price: 199.95, Currency: "EUR"},
}

func (h *SearchHandler) Search(c *gin.Context) {
	q := strings.ToLower(strings.TrimSpace(c.Query("q")))
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query"})
		return
	}

	results := make([]searchResult, 0, len(catalog))
	for _, item := range catalog {
		if strings.Contains(strings.ToLower(item.Name), q) || strings.Contains(strings.ToLower(item.SKU), q) {
			results = append(results, item)
		}
	}
	c.JSON(http.StatusOK, gin.H{"query": q, "results": results, "total": len(results)})
}

func (h *SearchHandler) Suggest(c *gin.Context) {
	q := strings.ToLower(strings.TrimSpace(c.Query("q")))
	suggestions := make([]string, 0, len(catalog))
	for _, item := range catalog {
		if q == "" || strings.Contains(strings.ToLower(item.Name), q) {
			suggestions = append(suggestions, item.Name)
		}
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}
