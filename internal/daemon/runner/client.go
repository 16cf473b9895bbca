// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/comfy"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/registry"
)

// ComfyClients returns the production ClientFactory, backed by the comfy
// adapter and a shared HTTP client.
func ComfyClients(httpClient *http.Client, logger *slog.Logger) ClientFactory {
	return func(b registry.Backend) Client {
		return comfyClient{comfy.NewClient(b, httpClient, logger)}
	}
}

// comfyClient narrows *comfy.Client to the runner's Client interface; the
// only mismatch is the progress stream's concrete type.
type comfyClient struct {
	*comfy.Client
}

func (c comfyClient) OpenProgressStream(ctx context.Context, promptID string) (EventStream, error) {
	stream, err := c.Client.OpenProgressStream(ctx, promptID)
	if err != nil {
		return nil, err
	}
	return stream, nil
}
