package publisher

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

// Category is one platform video category
type Category struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Assignable bool   `json:"assignable"`
}

// Categories lists the platform categories available in a region using the
// caller's authorized client.
func (p *Publisher) Categories(ctx context.Context, client *http.Client, regionCode string) ([]Category, error) {
	if regionCode == "" {
		regionCode = "US"
	}

	svc, err := yt.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to build platform service: %w", err)
	}

	resp, err := svc.VideoCategories.List([]string{"snippet"}).RegionCode(regionCode).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}

	categories := make([]Category, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Snippet == nil {
			continue
		}
		categories = append(categories, Category{
			ID:         item.Id,
			Title:      item.Snippet.Title,
			Assignable: item.Snippet.Assignable,
		})
	}

	return categories, nil
}
