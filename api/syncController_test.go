package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/studykit/studysync/auth"
	"github.com/studykit/studysync/schema"
)

func openSession(t *testing.T, env *testEnv) string {
	response := env.request(t, "POST", "/v1/sync", nil)
	assert.Equal(t, http.StatusOK, response.Code)
	var session schema.SyncSession
	decodeBody(t, response, &session)
	assert.False(t, session.ID.IsZero())
	return session.ID.Hex()
}

func TestSyncRoutes_FullCycle(t *testing.T) {
	env := newTestEnv()
	userID := primitive.NewObjectID()
	env.authClient.UserID = userID.Hex()

	sessionID := openSession(t, env)

	records := []map[string]interface{}{
		{"effective_day": float64(1680307200), "steps": float64(8000)},
		{"effective_day": float64(1680393600), "steps": float64(6500)},
	}
	response := env.request(t, "POST", "/v1/sync/"+sessionID+"/UserData", records)
	assert.Equal(t, http.StatusOK, response.Code)
	var identifiers []*string
	decodeBody(t, response, &identifiers)
	assert.Len(t, identifiers, 2)
	for _, id := range identifiers {
		assert.NotNil(t, id)
	}

	batches := []map[string]interface{}{
		{
			"sensor_data_type": "HeartRate",
			"timestamps":       []interface{}{float64(1000), float64(2000)},
			"values":           []interface{}{float64(71), float64(75)},
		},
	}
	response = env.request(t, "POST", "/v1/sync/"+sessionID+"/SensorData", batches)
	assert.Equal(t, http.StatusOK, response.Code)
	decodeBody(t, response, &identifiers)
	assert.Len(t, identifiers, 1)
	assert.NotNil(t, identifiers[0])

	response = env.request(t, "POST", "/v1/sync/"+sessionID+"/finish", nil)
	assert.Equal(t, http.StatusOK, response.Code)
	var session schema.SyncSession
	decodeBody(t, response, &session)
	assert.NotNil(t, session.FinishTime)
	assert.Equal(t, int64(2), session.CountersFor(schema.KindDayRecord).NumAdded)
	assert.Equal(t, int64(1), session.CountersFor(schema.KindSensorData).NumAdded)
}

func TestSyncRoutes_Download(t *testing.T) {
	env := newTestEnv()
	userID := primitive.NewObjectID()
	env.authClient.UserID = userID.Hex()

	day := time.Date(2023, time.April, 1, 0, 0, 0, 0, time.UTC)
	recordID := primitive.NewObjectID()
	env.repository.Docs[schema.KindDayRecord] = append(env.repository.Docs[schema.KindDayRecord], bson.M{
		schema.FieldID:           recordID,
		schema.FieldUserID:       userID,
		schema.FieldEffectiveDay: day,
		"steps":                  float64(700),
	})

	sessionID := openSession(t, env)

	response := env.request(t, "GET", "/v1/sync/"+sessionID+"/UserData", nil)
	assert.Equal(t, http.StatusOK, response.Code)
	var records []map[string]interface{}
	decodeBody(t, response, &records)
	assert.Len(t, records, 1)
	assert.Equal(t, recordID.Hex(), records[0]["id"])
	assert.Equal(t, float64(day.Unix()), records[0]["effective_day"])
	assert.Equal(t, float64(700), records[0]["steps"])
	_, hasUserID := records[0][schema.FieldUserID]
	assert.False(t, hasUserID)
}

func TestSyncRoutes_DownloadSensorDataRejected(t *testing.T) {
	env := newTestEnv()
	userID := primitive.NewObjectID()
	env.authClient.UserID = userID.Hex()

	sessionID := openSession(t, env)

	response := env.request(t, "GET", "/v1/sync/"+sessionID+"/SensorData", nil)
	assert.Equal(t, http.StatusBadRequest, response.Code)
}

func TestSyncRoutes_UnknownDatatype(t *testing.T) {
	env := newTestEnv()
	userID := primitive.NewObjectID()
	env.authClient.UserID = userID.Hex()

	sessionID := openSession(t, env)

	response := env.request(t, "POST", "/v1/sync/"+sessionID+"/BogusData", []map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, response.Code)
}

func TestSyncRoutes_MalformedPayload(t *testing.T) {
	env := newTestEnv()
	userID := primitive.NewObjectID()
	env.authClient.UserID = userID.Hex()

	sessionID := openSession(t, env)

	request, err := http.NewRequest("POST", "/v1/sync/"+sessionID+"/UserData", bytes.NewReader([]byte("not json")))
	assert.NoError(t, err)
	request.Header.Set("authorization", "Bearer test-token")
	response := httptest.NewRecorder()
	env.router.ServeHTTP(response, request)
	assert.Equal(t, http.StatusBadRequest, response.Code)
}

func TestSyncRoutes_FinishUnknownSession(t *testing.T) {
	env := newTestEnv()
	userID := primitive.NewObjectID()
	env.authClient.UserID = userID.Hex()

	response := env.request(t, "POST", "/v1/sync/"+primitive.NewObjectID().Hex()+"/finish", nil)
	assert.Equal(t, http.StatusNotFound, response.Code)
}

func TestSyncRoutes_SupervisorCannotSync(t *testing.T) {
	env := newTestEnv()
	env.authClient.UserID = primitive.NewObjectID().Hex()
	env.authClient.Role = auth.RoleSupervisor

	response := env.request(t, "POST", "/v1/sync", nil)
	assert.Equal(t, http.StatusForbidden, response.Code)

	sessionID := primitive.NewObjectID().Hex()
	response = env.request(t, "POST", "/v1/sync/"+sessionID+"/UserData", []map[string]interface{}{})
	assert.Equal(t, http.StatusForbidden, response.Code)

	response = env.request(t, "GET", "/v1/sync/"+sessionID+"/UserData", nil)
	assert.Equal(t, http.StatusForbidden, response.Code)

	response = env.request(t, "POST", "/v1/sync/"+sessionID+"/finish", nil)
	assert.Equal(t, http.StatusForbidden, response.Code)
}

func TestSyncRoutes_ServerTokenCannotSync(t *testing.T) {
	env := newTestEnv()

	request, err := http.NewRequest("POST", "/v1/sync", nil)
	assert.NoError(t, err)
	request.Header.Set("x-studykit-server-secret", env.authClient.ServerSecret)
	response := httptest.NewRecorder()
	env.router.ServeHTTP(response, request)

	assert.Equal(t, http.StatusForbidden, response.Code)
}
