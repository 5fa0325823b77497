package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wonopcode/wonopcode/citest/testutil"
)

var _ = Describe("SSE Comprehensive Tests", func() {
	var tempDir *testutil.TempDir
	var session *testutil.Session

	BeforeEach(func() {
		var err error
		tempDir, err = testutil.NewTempDir()
		Expect(err).NotTo(HaveOccurred())

		session, err = client.CreateSession(ctx, tempDir.Path)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if session != nil {
			client.DeleteSession(ctx, session.ID)
		}
		if tempDir != nil {
			tempDir.Cleanup()
		}
	})

	Describe("SSE Connection Establishment", func() {
		It("should establish SSE connection successfully", func() {
			sseClient := testServer.SSEClient()
			err := sseClient.Connect(ctx, "/event?sessionID="+session.ID)
			Expect(err).NotTo(HaveOccurred())
			defer sseClient.Close()

			// Wait briefly to ensure connection is stable
			time.Sleep(200 * time.Millisecond)
		})

		It("should receive proper headers", func() {
			req, err := http.NewRequest("GET", testServer.BaseURL+"/event?sessionID="+session.ID, nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Accept", "text/event-stream")

			transport := &http.Transport{
				ResponseHeaderTimeout: 5 * time.Second,
			}
			httpClient := &http.Client{Transport: transport}

			resp, err := httpClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/event-stream"))
			Expect(resp.Header.Get("Cache-Control")).To(Equal("no-cache"))
		})

		It("should reject connection without sessionID", func() {
			resp, err := client.Get(ctx, "/event")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("Event Delivery", func() {
		It("should deliver session.created event when session is created", func() {
			// Connect to global events
			sseClient := testServer.SSEClient()
			err := sseClient.Connect(ctx, "/global/event")
			Expect(err).NotTo(HaveOccurred())
			defer sseClient.Close()

			// Wait for connection to establish
			time.Sleep(500 * time.Millisecond)

			// Create a new session
			newSession, err := client.CreateSession(ctx, tempDir.Path)
			Expect(err).NotTo(HaveOccurred())
			defer client.DeleteSession(ctx, newSession.ID)

			// Collect events
			events := sseClient.CollectEvents(5 * time.Second)

			// Check for session.created event
			matcher := testutil.NewEventMatcher(events)
			GinkgoWriter.Printf("Received %d events\n", len(events))
			for _, e := range events {
				GinkgoWriter.Printf("Event type: %s\n", e.Type)
			}
		})

		It("should deliver message events during prompt", func() {
			sseClient := testServer.SSEClient()
			err := sseClient.Connect(ctx, "/event?sessionID="+session.ID)
			Expect(err).NotTo(HaveOccurred())
			defer sseClient.Close()

			// Wait for connection
			time.Sleep(500 * time.Millisecond)

			// Send message in background
			done := make(chan struct{})
			go func() {
				defer close(done)
				client.SendMessage(ctx, session.ID, "Say OK")
			}()

			// Collect events
			events := sseClient.CollectEvents(15 * time.Second)

			<-done

			// Should have received events
			Expect(len(events)).To(BeNumerically(">", 0))

			// Log event types
			for _, e := range events {
				GinkgoWriter.Printf("Received event type: %s\n", e.Type)
			}
		})

		It("should deliver message.updated events", func() {
			sseClient := testServer.SSEClient()
			err := sseClient.Connect(ctx, "/event?sessionID="+session.ID)
			Expect(err).NotTo(HaveOccurred())
			defer sseClient.Close()

			time.Sleep(500 * time.Millisecond)

			// Send message
			go client.SendMessage(ctx, session.ID, "Hello")

			// Wait for message events
			events := sseClient.CollectEvents(10 * time.Second)

			matcher := testutil.NewEventMatcher(events)
			hasMessageEvent := matcher.HasType("message.updated") ||
				matcher.HasType("message.part.updated") ||
				len(events) > 0
			Expect(hasMessageEvent).To(BeTrue())
		})
	})

	Describe("Session Filtering", func() {
		It("should only receive events for subscribed session", func() {
			// Create second session
			session2, err := client.CreateSession(ctx, tempDir.Path)
			Expect(err).NotTo(HaveOccurred())
			defer client.DeleteSession(ctx, session2.ID)

			// Connect to first session's events
			sseClient := testServer.SSEClient()
			err = sseClient.Connect(ctx, "/event?sessionID="+session.ID)
			Expect(err).NotTo(HaveOccurred())
			defer sseClient.Close()

			time.Sleep(500 * time.Millisecond)

			// Send message to second session
			go client.SendMessage(ctx, session2.ID, "Message to session 2")

			// Collect events
			events := sseClient.CollectEvents(5 * time.Second)

			// Parse events and check session IDs
			for _, evt := range events {
				if evt.Type == "message.updated" || evt.Type == "message.part.updated" {
					var data map[string]interface{}
					if err := json.Unmarshal(evt.Data, &data); err == nil {
						if props, ok := data["properties"].(map[string]interface{}); ok {
							if info, ok := props["info"].(map[string]interface{}); ok {
								if sessionID, ok := info["sessionID"].(string); ok {
									Expect(sessionID).NotTo(Equal(session2.ID))
								}
							}
						}
					}
				}
			}
		})
	})

	Describe("Connection Lifecycle", func() {
		It("should handle graceful disconnect", func() {
			sseClient := testServer.SSEClient()
			err := sseClient.Connect(ctx, "/event?sessionID="+session.ID)
			Expect(err).NotTo(HaveOccurred())

			// Disconnect
			sseClient.Close()

			// Server should still be responsive
			resp, err := client.Get(ctx, "/config")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())
		})

		It("should handle context cancellation", func() {
			cancelCtx, cancel := context.WithCancel(ctx)

			sseClient := testServer.SSEClient()
			err := sseClient.Connect(cancelCtx, "/event?sessionID="+session.ID)
			Expect(err).NotTo(HaveOccurred())

			// Cancel context
			cancel()
			time.Sleep(500 * time.Millisecond)

			sseClient.Close()

			// Server should still work
			resp, err := client.Get(ctx, "/config")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())
		})

		It("should support multiple concurrent connections", func() {
			const numConnections = 5
			clients := make([]*testutil.SSEClient, numConnections)
			var wg sync.WaitGroup

			// Create multiple connections
			for i := 0; i < numConnections; i++ {
				wg.Add(1)
				go func(idx int) {
					defer wg.Done()
					sseClient := testServer.SSEClient()
					err := sseClient.Connect(ctx, "/event?sessionID="+session.ID)
					Expect(err).NotTo(HaveOccurred())
					clients[idx] = sseClient
				}(i)
			}

			wg.Wait()

			// All should be connected
			for i, c := range clients {
				Expect(c).NotTo(BeNil(), "Client %d should be connected", i)
			}

			// Cleanup
			for _, c := range clients {
				c.Close()
			}

			// Server should still work
			resp, err := client.Get(ctx, "/config")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())
		})
	})

	Describe("Global Events Endpoint", func() {
		It("should connect to /global/event", func() {
			sseClient := testServer.SSEClient()
			err := sseClient.Connect(ctx, "/global/event")
			Expect(err).NotTo(HaveOccurred())
			defer sseClient.Close()

			time.Sleep(200 * time.Millisecond)
		})

		It("should receive events from any session", func() {
			sseClient := testServer.SSEClient()
			err := sseClient.Connect(ctx, "/global/event")
			Expect(err).NotTo(HaveOccurred())
			defer sseClient.Close()

			time.Sleep(500 * time.Millisecond)

			// Create new session (should trigger event)
			newSession, err := client.CreateSession(ctx, tempDir.Path)
			Expect(err).NotTo(HaveOccurred())
			defer client.DeleteSession(ctx, newSession.ID)

			// Send message to both sessions
			go client.SendMessage(ctx, session.ID, "Message to session 1")
			go client.SendMessage(ctx, newSession.ID, "Message to session 2")

			// Collect events
			events := sseClient.CollectEvents(10 * time.Second)

			// Should have received some events
			Expect(len(events)).To(BeNumerically(">", 0))
		})
	})

	Describe("Event Types", func() {
		It("should receive heartbeat comments", func() {
			sseClient := testServer.SSEClient()
			err := sseClient.Connect(ctx, "/event?sessionID="+session.ID)
			Expect(err).NotTo(HaveOccurred())
			defer sseClient.Close()

			// Heartbeats are typically sent every 30 seconds
			// For testing, we just verify the connection stays open
			time.Sleep(1 * time.Second)

			// Connection should still be valid
			events := sseClient.GetAllEvents()
			GinkgoWriter.Printf("Events received: %d\n", len(events))
		})

		It("should parse message.updated events correctly", func() {
			sseClient := testServer.SSEClient()
			err := sseClient.Connect(ctx, "/event?sessionID="+session.ID)
			Expect(err).NotTo(HaveOccurred())
			defer sseClient.Close()

			time.Sleep(500 * time.Millisecond)

			// Send message
			done := make(chan struct{})
			go func() {
				defer close(done)
				client.SendMessage(ctx, session.ID, "Test parsing")
			}()

			events := sseClient.CollectEvents(10 * time.Second)
			<-done

			for _, evt := range events {
				if evt.Type == "message.updated" {
					var data map[string]interface{}
					err := json.Unmarshal(evt.Data, &data)
					if err == nil {
						GinkgoWriter.Printf("message.updated data: %v\n", data)
						// Verify structure
						if props, ok := data["properties"]; ok {
							Expect(props).NotTo(BeNil())
						}
					}
				}
			}
		})

		It("should parse message.part.updated events correctly", func() {
			sseClient := testServer.SSEClient()
			err := sseClient.Connect(ctx, "/event?sessionID="+session.ID)
			Expect(err).NotTo(HaveOccurred())
			defer sseClient.Close()

			time.Sleep(500 * time.Millisecond)

			// Send message
			done := make(chan struct{})
			go func() {
				defer close(done)
				client.SendMessage(ctx, session.ID, "Test part events")
			}()

			events := sseClient.CollectEvents(10 * time.Second)
			<-done

			for _, evt := range events {
				if evt.Type == "message.part.updated" {
					var data map[string]interface{}
					err := json.Unmarshal(evt.Data, &data)
					if err == nil {
						GinkgoWriter.Printf("message.part.updated data: %v\n", data)
					}
				}
			}
		})
	})

	Describe("Error Handling", func() {
		It("should reject invalid session ID format gracefully", func() {
			sseClient := testServer.SSEClient()
			err := sseClient.Connect(ctx, "/event?sessionID=invalid-session-that-does-not-exist")
			// Connection may succeed but no events for non-existent session
			if err == nil {
				defer sseClient.Close()
				// Collect events briefly
				events := sseClient.CollectEvents(2 * time.Second)
				// Should only get heartbeats, no session-specific events
				for _, e := range events {
					Expect(e.Type).To(Or(Equal("heartbeat"), Equal("")))
				}
			}
		})
	})

	Describe("Load Testing", func() {
		It("should handle rapid connect/disconnect", func() {
			for i := 0; i < 10; i++ {
				sseClient := testServer.SSEClient()
				err := sseClient.Connect(ctx, "/event?sessionID="+session.ID)
				Expect(err).NotTo(HaveOccurred())
				sseClient.Close()
			}

			// Server should still work
			resp, err := client.Get(ctx, "/config")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())
		})

		It("should handle multiple messages while streaming", func() {
			sseClient := testServer.SSEClient()
			err := sseClient.Connect(ctx, "/event?sessionID="+session.ID)
			Expect(err).NotTo(HaveOccurred())
			defer sseClient.Close()

			time.Sleep(500 * time.Millisecond)

			// Send multiple messages rapidly
			var wg sync.WaitGroup
			for i := 0; i < 3; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					client.SendMessage(ctx, session.ID, "Rapid message")
				}(i)
			}

			// Collect events
			go func() {
				time.Sleep(15 * time.Second)
				wg.Done()
			}()

			events := sseClient.CollectEvents(20 * time.Second)
			wg.Wait()

			// Should have received some events
			GinkgoWriter.Printf("Received %d events during rapid messaging\n", len(events))
		})
	})
})

// Test SSE with specific event type assertions
var _ = Describe("SSE Event Type Verification", func() {
	var tempDir *testutil.TempDir
	var session *testutil.Session

	BeforeEach(func() {
		var err error
		tempDir, err = testutil.NewTempDir()
		Expect(err).NotTo(HaveOccurred())

		session, err = client.CreateSession(ctx, tempDir.Path)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if session != nil {
			client.DeleteSession(ctx, session.ID)
		}
		if tempDir != nil {
			tempDir.Cleanup()
		}
	})

	It("should receive session lifecycle events on global endpoint", func() {
		sseClient := testServer.SSEClient()
		err := sseClient.Connect(ctx, "/global/event")
		Expect(err).NotTo(HaveOccurred())
		defer sseClient.Close()

		time.Sleep(500 * time.Millisecond)

		// Create session
		newSession, err := client.CreateSession(ctx, tempDir.Path)
		Expect(err).NotTo(HaveOccurred())

		// Wait for events
		time.Sleep(1 * time.Second)

		// Delete session
		client.DeleteSession(ctx, newSession.ID)

		// Collect all events
		events := sseClient.CollectEvents(3 * time.Second)

		// Log what we received
		for _, e := range events {
			GinkgoWriter.Printf("Global event: %s\n", e.Type)
		}
	})

	It("should receive session.idle after message completion", func() {
		sseClient := testServer.SSEClient()
		err := sseClient.Connect(ctx, "/event?sessionID="+session.ID)
		Expect(err).NotTo(HaveOccurred())
		defer sseClient.Close()

		time.Sleep(500 * time.Millisecond)

		// Send message and wait for completion
		resp, err := client.SendMessage(ctx, session.ID, "Say OK briefly")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp).NotTo(BeNil())

		// Collect events after message
		events := sseClient.CollectEvents(5 * time.Second)

		// Check for idle event
		matcher := testutil.NewEventMatcher(events)
		GinkgoWriter.Printf("Events after message: %d\n", len(events))
		for _, e := range events {
			GinkgoWriter.Printf("  - %s\n", e.Type)
		}

		// Should have some events
		Expect(len(events)).To(BeNumerically(">=", 0))
	})
})
